package recorder

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-darkly/sticky-capture/logger"
	"github.com/whisper-darkly/sticky-capture/stream"
	"github.com/whisper-darkly/sticky-capture/units"
	"github.com/whisper-darkly/sticky-capture/writer"
)

// State is the lifecycle position of a capture session.
type State int

const (
	Idle State = iota
	Fetching
	Downloading
	Retrying
	Stopped
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Downloading:
		return "downloading"
	case Retrying:
		return "retrying"
	case Stopped:
		return "stopped"
	case Ended:
		return "ended"
	}
	return "unknown"
}

// Status labels shown in the task list.
const (
	StatusInitializing = "Initializing"
	StatusFetching     = "Fetching"
	StatusDownloading  = "Downloading"
	StatusStopped      = "Stopped"
	StatusEnded        = "Stream ended"
)

// RetryingStatus is the label for the nth consecutive failure.
func RetryingStatus(n int) string { return fmt.Sprintf("Retrying (%d)", n) }

// Reporter receives progress from a session. Implementations must not block.
type Reporter interface {
	ReportStatus(id, status string)
	ReportSegment(id string, index int)
	ReportInfinite(id string, on bool)
}

type nopReporter struct{}

func (nopReporter) ReportStatus(string, string) {}
func (nopReporter) ReportSegment(string, int)   {}
func (nopReporter) ReportInfinite(string, bool) {}

// Locator turns a page URL into the live-edge segment URL.
type Locator interface {
	Locate(ctx context.Context, pageURL, cookies string) (string, error)
}

// Fetcher downloads one segment. ready is false when the segment is not
// published yet.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, ready bool, err error)
}

// SegmentWriter consumes the segments of one download pass.
type SegmentWriter interface {
	WriteSegment(ctx context.Context, index int, data []byte)
	Close() error
}

// WriterFactory opens a SegmentWriter in dir.
type WriterFactory func(dir string) (SegmentWriter, error)

// Session captures one stream until it ends, exhausts its retries, or is
// stopped. A stopped or ended session is never restarted; a new Session is
// built instead.
type Session struct {
	cfg     Config
	url     string
	id      string
	driver  string
	log     *logger.Logger
	report  Reporter
	indexer *stream.SegmentIndexer
	folders *FolderTemplate

	locate     Locator
	fetch      Fetcher
	openWriter WriterFactory
	now        func() time.Time
	sleep      func(ctx context.Context, stop <-chan struct{}, d time.Duration)

	running   atomic.Bool
	infinite  atomic.Bool
	failures  atomic.Int64
	highWater atomic.Int64
	state     atomic.Int32

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// owned by the run goroutine
	sessionStart time.Time
	folder       string
	epochs       int
}

// New builds an idle session for pageURL. The driver comes from cfg or, when
// unset, from the page URL host.
func New(cfg Config, pageURL string, infinite bool, report Reporter) (*Session, error) {
	cfg = cfg.WithDefaults()

	d := cfg.Driver
	if d == nil {
		var err error
		if d, err = stream.ForURL(pageURL); err != nil {
			return nil, err
		}
	}
	folders, err := NewFolderTemplate(cfg.OutRoot, cfg.OutPattern)
	if err != nil {
		return nil, err
	}
	if report == nil {
		report = nopReporter{}
	}

	id := stream.StreamID(pageURL)
	log := cfg.Log.Named(id)
	client := stream.NewHTTPClient(cfg.HTTP)

	s := &Session{
		cfg:     cfg,
		url:     pageURL,
		id:      id,
		driver:  d.Name(),
		log:     log,
		report:  report,
		indexer: stream.NewSegmentIndexer(cfg.SegmentExt),
		folders: folders,
		locate:  stream.NewLocator(d, client, log),
		fetch:   stream.NewSegmentFetcher(client, cfg.SegmentTimeout),
		now:     time.Now,
		sleep:   sleepCtx,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.openWriter = func(dir string) (SegmentWriter, error) {
		return writer.New(cfg.Writer, dir, id, log)
	}
	s.infinite.Store(infinite)
	s.highWater.Store(-1)
	return s, nil
}

// sleepCtx waits for d, returning early on stop or cancellation.
func sleepCtx(ctx context.Context, stop <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	case <-ctx.Done():
	}
}

// kv is a shorthand for logger.KV.
func kv(key, value string) logger.KV { return logger.KV{Key: key, Value: value} }

func (s *Session) URL() string    { return s.url }
func (s *Session) ID() string     { return s.id }
func (s *Session) Driver() string { return s.driver }
func (s *Session) Infinite() bool { return s.infinite.Load() }
func (s *Session) Running() bool  { return s.running.Load() }
func (s *Session) Failures() int  { return int(s.failures.Load()) }
func (s *Session) State() State   { return State(s.state.Load()) }
func (s *Session) Started() bool  { return s.started.Load() }

// Done is closed when the capture loop has exited and its writer is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// HighWater returns the largest segment index ever resolved, or -1.
func (s *Session) HighWater() int { return int(s.highWater.Load()) }

// Wait blocks until the session has ended or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the capture loop. Only the first call does anything, and a
// session stopped before it started stays idle.
func (s *Session) Start(ctx context.Context) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.running.Store(true)
	s.report.ReportStatus(s.id, StatusInitializing)
	go s.run(ctx)
}

// Stop asks the session to finish. An in-flight request completes first;
// pending sleeps are cut short.
func (s *Session) Stop() {
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// ToggleInfinite flips the unlimited-retries flag and returns the new value.
func (s *Session) ToggleInfinite() bool {
	for {
		old := s.infinite.Load()
		if s.infinite.CompareAndSwap(old, !old) {
			s.report.ReportInfinite(s.id, !old)
			return !old
		}
	}
}

func (s *Session) active(ctx context.Context) bool {
	return s.running.Load() && ctx.Err() == nil
}

func (s *Session) setState(st State, status string) {
	s.state.Store(int32(st))
	s.report.ReportStatus(s.id, status)
}

// retryDelay returns the configured retry delay plus a random jitter in [0, RetryJitter).
func (s *Session) retryDelay() time.Duration {
	delay := s.cfg.RetryDelay
	if s.cfg.RetryJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(s.cfg.RetryJitter)))
	}
	return delay
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	s.sessionStart = s.now()
	s.log.Event("SESSION START",
		kv("url", s.url),
		kv("driver", s.driver),
		kv("infinite", strconv.FormatBool(s.Infinite())))

	for s.active(ctx) && (s.Infinite() || s.Failures() < s.cfg.MaxRetries) {
		err := s.attempt(ctx)
		if err == nil {
			break // download loop only returns cleanly when stopped
		}
		n := int(s.failures.Add(1))
		delay := s.retryDelay()
		s.log.Event("RETRY",
			kv("attempt", strconv.Itoa(n)),
			kv("delay", units.FormatDuration(delay)),
			kv("error", err.Error()))
		s.setState(Retrying, RetryingStatus(n))
		s.sleep(ctx, s.stopCh, delay)
	}

	final, status := Ended, StatusEnded
	if !s.active(ctx) {
		final, status = Stopped, StatusStopped
	}
	// state settles before running drops
	s.state.Store(int32(final))
	s.running.Store(false)
	s.report.ReportStatus(s.id, status)

	s.log.Event("SESSION END",
		kv("state", s.State().String()),
		kv("failures", strconv.Itoa(s.Failures())),
		kv("epochs", strconv.Itoa(s.epochs)),
		kv("duration", units.FormatDuration(s.now().Sub(s.sessionStart))))
}

// attempt resolves the live edge once and downloads from there until the
// stream stalls or the session is stopped.
func (s *Session) attempt(ctx context.Context) error {
	s.setState(Fetching, StatusFetching)

	cookies := s.cfg.CookiePool.Select()
	segURL, err := s.locate.Locate(ctx, s.url, cookies)
	if err != nil {
		if stream.IsBlocked(err) {
			s.cfg.CookiePool.Penalize(cookies)
		}
		return fmt.Errorf("resolve: %w", err)
	}

	base, index, err := s.indexer.Parse(segURL)
	if err != nil {
		return err
	}
	s.log.Event("RESOLVED", kv("segment", segURL), kv("index", strconv.Itoa(index)))

	if err := s.bindFolder(index); err != nil {
		return err
	}
	s.raiseHighWater(index)
	s.report.ReportSegment(s.id, index)

	return s.download(ctx, base, index)
}

// bindFolder keeps the current folder while the stream moves forward and
// opens a new one when the resolved index does not advance past anything seen.
func (s *Session) bindFolder(index int) error {
	if s.folder != "" && index > s.HighWater() {
		return nil
	}
	at := s.now()
	data := NewTemplateData(s.id, s.driver, s.sessionStart, at, s.epochs)
	dir, err := s.folders.Render(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output folder: %w", err)
	}
	s.folder = dir
	s.epochs++
	s.log.Event("EPOCH START",
		kv("epoch", uuid.NewString()),
		kv("dir", dir),
		kv("index", strconv.Itoa(index)))
	return nil
}

func (s *Session) raiseHighWater(index int) {
	for {
		hw := s.highWater.Load()
		if int64(index) <= hw || s.highWater.CompareAndSwap(hw, int64(index)) {
			return
		}
	}
}

// download fetches consecutive segments from index into a fresh writer. It
// returns nil when the session stops and a *stream.StallError when no segment
// arrives within StallTimeout.
func (s *Session) download(ctx context.Context, base stream.SegmentBase, index int) error {
	s.setState(Downloading, StatusDownloading)

	w, err := s.openWriter(s.folder)
	if err != nil {
		return fmt.Errorf("open writer: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			s.log.Warn("close writer: %v", err)
		}
	}()

	lastProgress := s.now()
	for s.active(ctx) {
		data, ready, err := s.fetch.Fetch(ctx, s.indexer.URL(base, index))
		switch {
		case err != nil:
			s.log.Debug("segment %s: %v", s.indexer.Name(index), err)
			s.sleep(ctx, s.stopCh, s.cfg.PollInterval)
		case !ready:
			s.sleep(ctx, s.stopCh, s.cfg.PollInterval)
		default:
			w.WriteSegment(ctx, index, data)
			s.report.ReportSegment(s.id, index)
			index++
			lastProgress = s.now()
		}

		if elapsed := s.now().Sub(lastProgress); elapsed > s.cfg.StallTimeout {
			return &stream.StallError{Index: index, Elapsed: elapsed}
		}
	}
	return nil
}
