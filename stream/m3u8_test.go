package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/matryer/is"

	"github.com/whisper-darkly/sticky-capture/logger"
)

func quietLogger() *logger.Logger {
	l := logger.New(logger.LevelDebug)
	l.SetOutput(io.Discard, io.Discard)
	return l
}

type hitCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func (h *hitCounter) get(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n[path]
}

// playlistServer serves fixed bodies by path and counts requests.
func playlistServer(t *testing.T, docs map[string]string) (*httptest.Server, *hitCounter) {
	hits := &hitCounter{n: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.mu.Lock()
		hits.n[r.URL.Path]++
		hits.mu.Unlock()
		body, ok := docs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func newResolver() *PlaylistResolver {
	return NewPlaylistResolver(NewHTTPClient(HTTPConfig{}), quietLogger())
}

func TestLatestSegmentFollowsLastChunklist(t *testing.T) {
	is := is.New(t)
	srv, hits := playlistServer(t, map[string]string{
		"/live/playlist.m3u8": strings.Join([]string{
			"#EXTM3U",
			"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080",
			"chunklist_5.m3u8",
			"#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=640x360",
			"chunklist_1.m3u8",
		}, "\r\n"),
		"/live/chunklist_1.m3u8": "#EXTM3U\n#EXTINF:2.0,\nlow_10.ts\n",
		"/live/chunklist_5.m3u8": "#EXTM3U\n#EXTINF:2.0,\nhigh_10.ts\n",
	})

	got, err := newResolver().LatestSegment(context.Background(), srv.URL+"/live/playlist.m3u8")
	is.NoErr(err)
	is.Equal(got, srv.URL+"/live/low_10.ts") // file order decides, not the number
	is.Equal(hits.get("/live/chunklist_5.m3u8"), 0)
}

func TestLatestSegmentPicksChunklist5WhenLast(t *testing.T) {
	is := is.New(t)
	srv, _ := playlistServer(t, map[string]string{
		"/hls/playlist.m3u8":    "#EXTM3U\nchunklist_1.m3u8\nchunklist_5.m3u8\n",
		"/hls/chunklist_5.m3u8": "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:10\n#EXTINF:2.0,\na_10.ts\n#EXTINF:2.0,\na_11.ts\n#EXTINF:2.0,\na_12.ts\n\n",
	})

	got, err := newResolver().LatestSegment(context.Background(), srv.URL+"/hls/playlist.m3u8")
	is.NoErr(err)
	is.Equal(got, srv.URL+"/hls/a_12.ts")

	base, n, err := NewSegmentIndexer("ts").Parse(got)
	is.NoErr(err)
	is.Equal(base.Prefix, srv.URL+"/hls/a_")
	is.Equal(n, 12)
}

func TestLatestSegmentMediaPlaylistDirect(t *testing.T) {
	is := is.New(t)
	srv, _ := playlistServer(t, map[string]string{
		"/m/index.m3u8": "#EXTM3U\nseg/a_1.ts\n# comment\nseg/a_2.ts\n",
	})

	got, err := newResolver().LatestSegment(context.Background(), srv.URL+"/m/index.m3u8?token=x")
	is.NoErr(err)
	is.Equal(got, srv.URL+"/m/seg/a_2.ts")
}

func TestLatestSegmentErrors(t *testing.T) {
	is := is.New(t)
	srv, _ := playlistServer(t, map[string]string{
		"/empty.m3u8":       "#EXTM3U\n#EXT-X-TARGETDURATION:2\n",
		"/master.m3u8":      "chunklist_9.m3u8\n",
		"/emptysub.m3u8":    "chunklist_2.m3u8\n",
		"/chunklist_2.m3u8": "#EXTM3U\n",
	})
	r := newResolver()
	ctx := context.Background()

	_, err := r.LatestSegment(ctx, srv.URL+"/empty.m3u8")
	var pe *ParseError
	is.True(errors.As(err, &pe))

	_, err = r.LatestSegment(ctx, srv.URL+"/emptysub.m3u8")
	is.True(errors.As(err, &pe))

	var fe *FetchError
	_, err = r.LatestSegment(ctx, srv.URL+"/missing.m3u8")
	is.True(errors.As(err, &fe))
	is.Equal(fe.Status, http.StatusNotFound)

	_, err = r.LatestSegment(ctx, srv.URL+"/master.m3u8") // sub-playlist 404
	is.True(errors.As(err, &fe))
}
