package stream

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// DefaultSegmentExt is the media segment extension of the broadcaster's
// playlists.
const DefaultSegmentExt = "ts"

// SegmentIndexer splits segment URLs of the form <prefix><digits>.<ext>[?query]
// into a SegmentBase and a sequence index, and builds URLs back from the two.
type SegmentIndexer struct {
	ext string
	re  *regexp.Regexp
}

// SegmentBase is everything in a segment URL except its index.
type SegmentBase struct {
	Prefix string // up to and including the last "_" before the index
	Query  string // "?..." tail, or empty
}

// NewSegmentIndexer returns an indexer for the given extension (without dot).
func NewSegmentIndexer(ext string) *SegmentIndexer {
	if ext == "" {
		ext = DefaultSegmentExt
	}
	return &SegmentIndexer{
		ext: ext,
		re:  regexp.MustCompile(`^(.*_)(\d+)\.` + regexp.QuoteMeta(ext) + `(\?.*)?$`),
	}
}

// Ext returns the segment extension.
func (s *SegmentIndexer) Ext() string { return s.ext }

// Parse returns the base and the index of a segment URL.
func (s *SegmentIndexer) Parse(segmentURL string) (base SegmentBase, index int, err error) {
	m := s.re.FindStringSubmatch(segmentURL)
	if m == nil {
		return SegmentBase{}, 0, newParseError("segment url", segmentURL, fmt.Errorf("expected <base>_<index>.%s", s.ext))
	}
	index, err = strconv.Atoi(m[2])
	if err != nil {
		return SegmentBase{}, 0, newParseError("segment index", m[2], err)
	}
	return SegmentBase{Prefix: m[1], Query: m[3]}, index, nil
}

// URL synthesizes the segment URL for index. The index is written without
// padding, as the broadcaster names them, and the query is carried over.
func (s *SegmentIndexer) URL(base SegmentBase, index int) string {
	return base.Prefix + strconv.Itoa(index) + "." + s.ext + base.Query
}

// Name returns the local file name for index, zero-padded to 6 digits.
func (s *SegmentIndexer) Name(index int) string {
	return SegmentName(index, s.ext)
}

// SegmentName returns "<index:06d>.<ext>".
func SegmentName(index int, ext string) string {
	return fmt.Sprintf("%06d.%s", index, ext)
}

// SegmentFetcher performs the single blocking GET for one segment. It never
// retries; pacing and backoff belong to the caller.
type SegmentFetcher struct {
	client  *HTTPClient
	timeout time.Duration
}

// NewSegmentFetcher creates a fetcher with a per-request timeout (default 10s).
func NewSegmentFetcher(client *HTTPClient, timeout time.Duration) *SegmentFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SegmentFetcher{client: client, timeout: timeout}
}

// Fetch returns the payload and true on HTTP 200. Any other status returns
// ready=false with a nil error, meaning the segment is not published yet.
// Transport failures and timeouts return a *FetchError.
func (f *SegmentFetcher) Fetch(ctx context.Context, url string) (data []byte, ready bool, err error) {
	b, status, err := f.client.do(ctx, url, f.timeout)
	if err != nil {
		return nil, false, err
	}
	if status != http.StatusOK {
		return nil, false, nil
	}
	return b, true, nil
}
