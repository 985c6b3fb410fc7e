package recorder

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/whisper-darkly/sticky-capture/logger"
	"github.com/whisper-darkly/sticky-capture/stream"
)

type stubDriver struct{}

func (stubDriver) Name() string        { return "stub" }
func (stubDriver) Matches(string) bool { return false }
func (stubDriver) ManifestURL(context.Context, *stream.HTTPClient, string) (string, error) {
	return "", errors.New("stub")
}

type locateFunc func(ctx context.Context, pageURL, cookies string) (string, error)

func (f locateFunc) Locate(ctx context.Context, pageURL, cookies string) (string, error) {
	return f(ctx, pageURL, cookies)
}

type fetchFunc func(ctx context.Context, url string) ([]byte, bool, error)

func (f fetchFunc) Fetch(ctx context.Context, url string) ([]byte, bool, error) { return f(ctx, url) }

// fakeClock only moves when the session sleeps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(_ context.Context, stop <-chan struct{}, d time.Duration) {
	select {
	case <-stop:
		return
	default:
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeWriter struct {
	dir     string
	mu      sync.Mutex
	indices []int
	closes  int
}

func (w *fakeWriter) WriteSegment(_ context.Context, index int, _ []byte) {
	w.mu.Lock()
	w.indices = append(w.indices, index)
	w.mu.Unlock()
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closes++
	w.mu.Unlock()
	return nil
}

type recordReporter struct {
	mu       sync.Mutex
	statuses []string
	segments []int
	infinite []bool
}

func (r *recordReporter) ReportStatus(_, status string) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
}

func (r *recordReporter) ReportSegment(_ string, index int) {
	r.mu.Lock()
	r.segments = append(r.segments, index)
	r.mu.Unlock()
}

func (r *recordReporter) ReportInfinite(_ string, on bool) {
	r.mu.Lock()
	r.infinite = append(r.infinite, on)
	r.mu.Unlock()
}

func (r *recordReporter) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

type harness struct {
	s       *Session
	rep     *recordReporter
	clock   *fakeClock
	mu      sync.Mutex
	writers []*fakeWriter
}

func newHarness(t *testing.T, infinite bool, cfg Config) *harness {
	t.Helper()
	log := logger.New(logger.LevelDebug)
	log.SetOutput(io.Discard, io.Discard)
	cfg.Driver = stubDriver{}
	cfg.Log = log
	if cfg.OutRoot == "" {
		cfg.OutRoot = t.TempDir()
	}

	h := &harness{
		rep:   &recordReporter{},
		clock: &fakeClock{t: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
	s, err := New(cfg, "https://example.com/alice/", infinite, h.rep)
	if err != nil {
		t.Fatal(err)
	}
	s.now = h.clock.Now
	s.sleep = h.clock.Sleep
	s.openWriter = func(dir string) (SegmentWriter, error) {
		w := &fakeWriter{dir: dir}
		h.mu.Lock()
		h.writers = append(h.writers, w)
		h.mu.Unlock()
		return w, nil
	}
	h.s = s
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	h.s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.s.Wait(ctx); err != nil {
		t.Fatal("session did not finish")
	}
}

func segmentIndex(url string) int {
	_, index, err := stream.NewSegmentIndexer("ts").Parse(url)
	if err != nil {
		return -1
	}
	return index
}

func TestDownloadStalls(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, false, Config{})

	calls := map[int]int{}
	h.s.fetch = fetchFunc(func(_ context.Context, url string) ([]byte, bool, error) {
		i := segmentIndex(url)
		calls[i]++
		if i >= 100 && i <= 104 {
			return []byte("seg"), true, nil
		}
		return nil, false, nil
	})
	h.s.running.Store(true)
	h.s.folder = t.TempDir()

	err := h.s.download(context.Background(), stream.SegmentBase{Prefix: "https://cdn.example.com/hls/a_"}, 100)

	var stall *stream.StallError
	is.True(errors.As(err, &stall))
	is.Equal(stall.Index, 105)
	is.Equal(stall.Elapsed, 31*time.Second)
	is.Equal(calls[105], 31) // polled once per second until the threshold was exceeded
	is.Equal(calls[106], 0)

	is.Equal(len(h.writers), 1)
	is.Equal(h.writers[0].indices, []int{100, 101, 102, 103, 104})
	is.Equal(h.writers[0].closes, 1)
}

func TestDownloadTreatsFetchErrorsAsNotReady(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, false, Config{})

	n := 0
	h.s.fetch = fetchFunc(func(_ context.Context, url string) ([]byte, bool, error) {
		n++
		if n%2 == 1 {
			return nil, false, &stream.FetchError{URL: url, Err: errors.New("reset")}
		}
		if n == 40 {
			h.s.Stop()
		}
		return []byte("x"), true, nil
	})
	h.s.running.Store(true)
	h.s.folder = t.TempDir()
	h.s.cfg.StallTimeout = 3 * time.Second

	is.NoErr(h.s.download(context.Background(), stream.SegmentBase{Prefix: "https://cdn.example.com/hls/a_"}, 7))

	is.Equal(len(h.writers[0].indices), 20)
	is.Equal(h.writers[0].indices[0], 7)
	is.Equal(h.writers[0].indices[19], 26)
	is.Equal(h.writers[0].closes, 1)
	is.Equal(h.clock.Now().Sub(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)), 20*time.Second)
}

func TestSessionEndsAfterMaxRetries(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, false, Config{})

	attempts := 0
	h.s.locate = locateFunc(func(context.Context, string, string) (string, error) {
		attempts++
		return "", &stream.FetchError{URL: "https://example.com/alice/", Status: 502}
	})
	h.run(t)

	is.Equal(attempts, 5) // never a sixth resolution
	is.Equal(h.s.Failures(), 5)
	is.Equal(h.s.State(), Ended)
	is.True(!h.s.Running())
	is.Equal(h.rep.last(), StatusEnded)

	joined := strings.Join(h.rep.statuses, ",")
	is.True(strings.Contains(joined, RetryingStatus(5)))
	is.True(!strings.Contains(joined, RetryingStatus(6)))
	is.Equal(h.rep.statuses[0], StatusInitializing)
	is.Equal(h.clock.Now().Sub(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)), 25*time.Second)
}

func TestInfiniteKeepsRetrying(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, true, Config{})

	attempts := 0
	h.s.locate = locateFunc(func(context.Context, string, string) (string, error) {
		attempts++
		if attempts == 12 {
			h.s.Stop()
		}
		return "", &stream.ParseError{What: "room dossier"}
	})
	h.run(t)

	is.Equal(attempts, 12)
	is.Equal(h.s.Failures(), 12)
	is.Equal(h.s.State(), Stopped)
	is.Equal(h.rep.last(), StatusStopped)
}

func TestStopDuringFetchClosesWriterOnce(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, false, Config{})

	h.s.locate = locateFunc(func(context.Context, string, string) (string, error) {
		return "https://cdn.example.com/hls/a_100.ts", nil
	})
	entered := make(chan struct{})
	release := make(chan struct{})
	h.s.fetch = fetchFunc(func(_ context.Context, url string) ([]byte, bool, error) {
		if segmentIndex(url) == 101 {
			close(entered)
			<-release
		}
		return []byte("seg"), true, nil
	})

	h.s.Start(context.Background())
	<-entered
	h.s.Stop()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	is.NoErr(h.s.Wait(ctx))

	is.Equal(h.s.State(), Stopped)
	is.Equal(h.s.Failures(), 0)
	is.Equal(h.rep.last(), StatusStopped)
	is.Equal(len(h.writers), 1)
	is.Equal(h.writers[0].indices, []int{100, 101}) // the in-flight segment still lands
	is.Equal(h.writers[0].closes, 1)
}

func TestFolderFollowsHighWater(t *testing.T) {
	is := is.New(t)
	root := t.TempDir()
	h := newHarness(t, false, Config{OutRoot: root, MaxRetries: 4})

	resolved := []int{100, 200, 50, 60}
	var seen []int
	h.s.locate = locateFunc(func(context.Context, string, string) (string, error) {
		seen = append(seen, h.s.HighWater())
		i := resolved[len(seen)-1]
		return "https://cdn.example.com/hls/a_" + strconv.Itoa(i) + ".ts", nil
	})
	h.s.fetch = fetchFunc(func(context.Context, string) ([]byte, bool, error) {
		return nil, false, nil
	})
	h.run(t)

	is.Equal(seen, []int{-1, 100, 200, 200}) // never decreases
	is.Equal(h.s.HighWater(), 200)
	is.Equal(h.s.State(), Ended)

	is.Equal(len(h.writers), 4)
	is.Equal(h.writers[0].dir, h.writers[1].dir) // index advanced: same folder
	is.True(h.writers[2].dir != h.writers[1].dir)
	is.True(h.writers[3].dir != h.writers[2].dir)
	is.Equal(h.s.epochs, 3)
	is.Equal(h.writers[0].dir, filepath.Join(root, "alice", "2024-01-02 03-04-05"))
	for _, w := range h.writers {
		is.Equal(w.closes, 1)
	}

	h.rep.mu.Lock()
	defer h.rep.mu.Unlock()
	is.Equal(h.rep.segments, []int{100, 200, 50, 60})
}

func TestStopBeforeStart(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, false, Config{})
	h.s.Stop()
	h.s.Start(context.Background())
	is.True(!h.s.Started())
	is.Equal(h.s.State(), Idle)
}

func TestCancelledContextStops(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, true, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	h.s.locate = locateFunc(func(context.Context, string, string) (string, error) {
		cancel()
		return "", errors.New("offline")
	})
	h.s.Start(ctx)
	<-h.s.Done()
	is.Equal(h.s.State(), Stopped)
}

func TestToggleInfinite(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, false, Config{})
	is.True(h.s.ToggleInfinite())
	is.True(h.s.Infinite())
	is.True(!h.s.ToggleInfinite())
	is.Equal(h.rep.infinite, []bool{true, false})
	is.Equal(h.s.State(), Idle) // toggling never changes state
}

func TestNewPicksDriverByURL(t *testing.T) {
	is := is.New(t)
	_, err := New(Config{}, "https://nowhere.invalid/alice", false, nil)
	is.True(err != nil)
}

func TestFolderTemplate(t *testing.T) {
	is := is.New(t)
	at := time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC)
	data := NewTemplateData("alice", "chaturbate", at, at.Add(time.Minute), 2)

	ft, err := NewFolderTemplate("Downloads", DefaultOutPattern)
	is.NoErr(err)
	dir, err := ft.Render(data)
	is.NoErr(err)
	is.Equal(dir, filepath.Join("Downloads", "alice", "2025-06-07 08-10-10"))

	ft, err = NewFolderTemplate("out", "{{.Driver}}/{{.Source}}/{{.Session.Unix}}_{{.Epoch.Count}}")
	is.NoErr(err)
	dir, err = ft.Render(data)
	is.NoErr(err)
	is.Equal(dir, filepath.Join("out", "chaturbate", "alice", "1749283750_2"))

	_, err = NewFolderTemplate("out", "{{.Nope")
	is.True(err != nil) // parse error

	ft, err = NewFolderTemplate("out", "{{.Nope}}")
	is.NoErr(err)
	_, err = ft.Render(data)
	is.True(err != nil) // unknown field

	ft, err = NewFolderTemplate("out", "../{{.Source}}")
	is.NoErr(err)
	_, err = ft.Render(data)
	is.True(err != nil) // escapes the root
}

func TestNewRejectsBadPattern(t *testing.T) {
	is := is.New(t)
	_, err := New(Config{Driver: stubDriver{}, OutPattern: "{{"}, "https://example.com/alice/", false, nil)
	is.True(err != nil)
}
