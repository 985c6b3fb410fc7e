// Package manager keeps the registry of capture sessions keyed by stream
// identifier and funnels their progress reports into one place.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/whisper-darkly/sticky-capture/logger"
	"github.com/whisper-darkly/sticky-capture/recorder"
	"github.com/whisper-darkly/sticky-capture/stream"
	"github.com/whisper-darkly/sticky-capture/tasklist"
)

var (
	ErrDuplicate  = errors.New("stream already in list")
	ErrNotFound   = errors.New("no such stream")
	ErrInvalidURL = errors.New("url must start with http")
)

// Row is a snapshot of one task for display.
type Row struct {
	ID       string
	URL      string
	Status   string
	Segment  int // -1 until a segment index is known
	Infinite bool
}

type task struct {
	url      string
	session  *recorder.Session
	gen      uint64
	status   string
	segment  int
	infinite bool
}

type updateKind int

const (
	updateStatus updateKind = iota
	updateSegment
	updateInfinite
)

type update struct {
	id     string
	gen    uint64
	kind   updateKind
	status string
	index  int
	on     bool
}

// Manager owns every task. Mutations go through its methods; sessions only
// talk back through the mailbox.
type Manager struct {
	ctx      context.Context
	cfg      recorder.Config
	listPath string
	log      *logger.Logger

	mu      sync.Mutex
	order   []string
	tasks   map[string]*task
	nextGen uint64
	started []*recorder.Session // not yet known to be finished

	inboxMu sync.Mutex
	inbox   []update
	wake    chan struct{}
}

// New creates an empty manager. Sessions run under ctx; listPath, when set,
// is rewritten after every change to the list.
func New(ctx context.Context, cfg recorder.Config, listPath string) *Manager {
	cfg = cfg.WithDefaults()
	return &Manager{
		ctx:      ctx,
		cfg:      cfg,
		listPath: listPath,
		log:      cfg.Log.Named("manager"),
		tasks:    map[string]*task{},
		wake:     make(chan struct{}, 1),
	}
}

// reporter tags every report with the generation of the session that made
// it, so a replaced session can no longer touch its task.
type reporter struct {
	m   *Manager
	gen uint64
}

func (r reporter) ReportStatus(id, status string) {
	r.m.post(update{id: id, gen: r.gen, kind: updateStatus, status: status})
}

func (r reporter) ReportSegment(id string, index int) {
	r.m.post(update{id: id, gen: r.gen, kind: updateSegment, index: index})
}

func (r reporter) ReportInfinite(id string, on bool) {
	r.m.post(update{id: id, gen: r.gen, kind: updateInfinite, on: on})
}

func (m *Manager) post(u update) {
	m.inboxMu.Lock()
	m.inbox = append(m.inbox, u)
	m.inboxMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run applies session reports until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case <-m.wake:
			m.drain()
		}
	}
}

func (m *Manager) drain() {
	m.inboxMu.Lock()
	batch := m.inbox
	m.inbox = nil
	m.inboxMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range batch {
		t, ok := m.tasks[u.id]
		if !ok || t.gen != u.gen {
			continue
		}
		switch u.kind {
		case updateStatus:
			t.status = u.status
		case updateSegment:
			t.segment = u.index
		case updateInfinite:
			t.infinite = u.on
		}
	}
}

// newTask builds a session for url under a fresh generation. Callers hold mu.
func (m *Manager) newTask(url string, infinite bool) (*task, error) {
	m.nextGen++
	gen := m.nextGen
	s, err := recorder.New(m.cfg, url, infinite, reporter{m: m, gen: gen})
	if err != nil {
		return nil, err
	}
	return &task{url: url, session: s, gen: gen, segment: -1, infinite: infinite}, nil
}

// start launches t's session. Callers hold mu.
func (m *Manager) start(t *task) {
	t.status = recorder.StatusInitializing
	t.session.Start(m.ctx)

	live := m.started[:0]
	for _, s := range m.started {
		select {
		case <-s.Done():
		default:
			live = append(live, s)
		}
	}
	m.started = append(live, t.session)
}

// Load adds every entry of the task list without starting it.
func (m *Manager) Load() error {
	if m.listPath == "" {
		return nil
	}
	entries, err := tasklist.Load(m.listPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		id := stream.StreamID(e.URL)
		if _, ok := m.tasks[id]; ok {
			m.log.Warn("skipping duplicate %s", e.URL)
			continue
		}
		t, err := m.newTask(e.URL, e.Infinite)
		if err != nil {
			m.log.Warn("skipping %s: %v", e.URL, err)
			continue
		}
		t.status = recorder.StatusStopped
		m.tasks[id] = t
		m.order = append(m.order, id)
	}
	m.log.Info("loaded %d streams from %s", len(m.order), m.listPath)
	return nil
}

// Add registers url and starts capturing it. It returns the stream id.
func (m *Manager) Add(url string) (string, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "http") {
		return "", ErrInvalidURL
	}
	id := stream.StreamID(url)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; ok {
		return id, fmt.Errorf("%s: %w", id, ErrDuplicate)
	}
	t, err := m.newTask(url, false)
	if err != nil {
		return id, err
	}
	m.tasks[id] = t
	m.order = append(m.order, id)
	m.start(t)
	m.save()
	return id, nil
}

// Stop asks the stream's session to finish.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	t.session.Stop()
	return nil
}

// Restart stops the current session and swaps in a new one for the same URL
// and flag. It does not wait for the old session to finish.
func (m *Manager) Restart(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return m.restart(id, t)
}

func (m *Manager) restart(id string, old *task) error {
	old.session.Stop()
	t, err := m.newTask(old.url, old.infinite)
	if err != nil {
		return err
	}
	m.tasks[id] = t
	m.start(t)
	m.save()
	return nil
}

// ToggleInfinite flips the stream's unlimited-retry flag and returns the new
// value.
func (m *Manager) ToggleInfinite(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	t.infinite = t.session.ToggleInfinite()
	m.save()
	return t.infinite, nil
}

// ClearFinished drops every task that has ended or was stopped and returns
// how many were removed.
func (m *Manager) ClearFinished() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := m.order[:0]
	removed := 0
	for _, id := range m.order {
		t := m.tasks[id]
		if t.status == recorder.StatusEnded || t.status == recorder.StatusStopped {
			t.session.Stop()
			delete(m.tasks, id)
			removed++
			continue
		}
		keep = append(keep, id)
	}
	m.order = keep
	m.save()
	return removed
}

// StartAll restarts every task that was stopped or never started. Streams
// that ended on their own are left for ClearFinished or an explicit Restart.
func (m *Manager) StartAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.order {
		t := m.tasks[id]
		if t.session.Running() || t.session.State() == recorder.Ended {
			continue
		}
		if err := m.restart(id, t); err != nil {
			m.log.Warn("restart %s: %v", id, err)
			continue
		}
		n++
	}
	return n
}

// StopAll asks every session to finish.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		m.tasks[id].session.Stop()
	}
}

// Rows returns a snapshot of all tasks in insertion order.
func (m *Manager) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]Row, 0, len(m.order))
	for _, id := range m.order {
		t := m.tasks[id]
		rows = append(rows, Row{
			ID:       id,
			URL:      t.url,
			Status:   t.status,
			Segment:  t.segment,
			Infinite: t.infinite,
		})
	}
	return rows
}

// Shutdown stops every session, including replaced ones still winding down,
// and waits for them to close their writers or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := append([]*recorder.Session(nil), m.started...)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s.Stop()
		g.Go(func() error { return s.Wait(ctx) })
	}
	return g.Wait()
}

// save writes the task list. Callers hold mu.
func (m *Manager) save() {
	if m.listPath == "" {
		return
	}
	entries := make([]tasklist.Entry, 0, len(m.order))
	for _, id := range m.order {
		t := m.tasks[id]
		entries = append(entries, tasklist.Entry{URL: t.url, Infinite: t.infinite})
	}
	if err := tasklist.Save(m.listPath, entries); err != nil {
		m.log.Error("%v", err)
	}
}
