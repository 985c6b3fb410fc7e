package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/whisper-darkly/sticky-capture/logger"
	"github.com/whisper-darkly/sticky-capture/stream"
)

// CheckMode selects how segments are verified before they are muxed.
type CheckMode string

const (
	CheckFFmpeg CheckMode = "ffmpeg" // decode-only ffmpeg pass per segment
	CheckProbe  CheckMode = "probe"  // in-process transport stream demux
	CheckOff    CheckMode = "off"
)

// ParseCheckMode accepts ffmpeg/probe/off, plus 1/0 for the legacy toggle.
func ParseCheckMode(s string) (CheckMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ffmpeg", "1", "on":
		return CheckFFmpeg, nil
	case "probe":
		return CheckProbe, nil
	case "off", "0", "none":
		return CheckOff, nil
	}
	return "", fmt.Errorf("invalid check mode %q (ffmpeg, probe, off)", s)
}

// Config holds the mux and verification settings shared by every writer.
type Config struct {
	FFmpegPath   string    // default "ffmpeg"
	ContainerExt string    // output container extension (default "mkv")
	SegmentExt   string    // segment extension used in log and scratch names (default "ts")
	Check        CheckMode // default CheckFFmpeg
	ScratchDir   string    // where segments are staged for verification

	ErrorPatterns  []string // nil = DefaultErrorPatterns
	IgnorePatterns []string // nil = DefaultIgnorePatterns
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.ContainerExt == "" {
		c.ContainerExt = "mkv"
	}
	if c.SegmentExt == "" {
		c.SegmentExt = stream.DefaultSegmentExt
	}
	if c.Check == "" {
		c.Check = CheckFFmpeg
	}
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(os.TempDir(), "sticky-capture")
	}
	return c
}

// Writer owns one ffmpeg mux process for one epoch. Segments written to it
// are piped, in arrival order, into a single container file
// "<id> [<timestamp>].<ext>"; the sibling ".txt" session log is written on
// Close.
type Writer struct {
	cfg      Config
	id       string
	outPath  string
	logPath  string
	verifier Verifier
	log      *logger.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	written []int
	corrupt []int
	bytes   int64
	closed  bool

	closeOnce sync.Once
	closeErr  error
	summary   SessionLog
}

// New starts the mux process writing into dir.
func New(cfg Config, dir, id string, log *logger.Logger) (*Writer, error) {
	cfg = cfg.withDefaults()

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	stem := filepath.Join(dir, fmt.Sprintf("%s [%s]", id, time.Now().Format("2006-01-02 15-04-05")))
	w := &Writer{
		cfg:      cfg,
		id:       id,
		outPath:  stem + "." + cfg.ContainerExt,
		logPath:  stem + ".txt",
		verifier: verifier,
		log:      log,
	}

	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "mpegts", "-i", "pipe:0",
		"-c", "copy",
		w.outPath,
	}
	log.Debug("ffmpeg %s", strings.Join(args, " "))

	// Not CommandContext: the process must see EOF on stdin and finalize the
	// container, never be killed mid-write.
	cmd := exec.Command(cfg.FFmpegPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = log.Writer(logger.LevelDebug)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	w.cmd, w.stdin = cmd, stdin

	log.Info("writing to %s", w.outPath)
	return w, nil
}

func newVerifier(cfg Config, log *logger.Logger) (Verifier, error) {
	switch cfg.Check {
	case CheckOff:
		return nil, nil
	case CheckProbe:
		return &ProbeVerifier{Log: log}, nil
	case CheckFFmpeg:
		c, err := NewClassifier(cfg.ErrorPatterns, cfg.IgnorePatterns)
		if err != nil {
			return nil, err
		}
		return &FFmpegVerifier{
			FFmpegPath: cfg.FFmpegPath,
			ScratchDir: cfg.ScratchDir,
			Ext:        cfg.SegmentExt,
			Classifier: c,
			Log:        log,
		}, nil
	}
	return nil, fmt.Errorf("invalid check mode %q", cfg.Check)
}

// OutputPath returns the container file path.
func (w *Writer) OutputPath() string { return w.outPath }

// LogPath returns the session log path.
func (w *Writer) LogPath() string { return w.logPath }

// WriteSegment verifies the segment (when enabled) and appends it to the mux
// input. A failed pipe write is logged and absorbed; the index is then not
// counted as written.
func (w *Writer) WriteSegment(ctx context.Context, index int, data []byte) {
	corrupt := w.verifier != nil && w.verifier.Verify(ctx, w.id, index, data)

	w.mu.Lock()
	defer w.mu.Unlock()

	if corrupt {
		w.corrupt = append(w.corrupt, index)
	}
	if w.closed {
		w.log.Warn("%v", &stream.WriteError{Index: index, Err: errors.New("writer closed")})
		return
	}
	if _, err := w.stdin.Write(data); err != nil {
		w.log.Warn("%v", &stream.WriteError{Index: index, Err: err})
		return
	}
	w.written = append(w.written, index)
	w.bytes += int64(len(data))
}

// Close ends the mux input, waits for ffmpeg to finalize the container, and
// writes the session log. Only the first call does any work.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		written := append([]int(nil), w.written...)
		corrupt := append([]int(nil), w.corrupt...)
		size := w.bytes
		w.mu.Unlock()

		var errs []error
		if err := w.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close ffmpeg input: %w", err))
		}
		if err := w.cmd.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("ffmpeg: %w", err))
		}

		w.summary = Summarize(written, corrupt, w.verifier != nil, w.cfg.SegmentExt)
		if err := w.writeLog(); err != nil {
			errs = append(errs, err)
		}

		w.log.Event("EPOCH FINISH",
			logger.KV{Key: "file", Value: w.outPath},
			logger.KV{Key: "segments", Value: strconv.Itoa(w.summary.Total)},
			logger.KV{Key: "missing", Value: strconv.Itoa(len(w.summary.Missing))},
			logger.KV{Key: "corrupt", Value: strconv.Itoa(len(w.summary.Corrupt))},
			logger.KV{Key: "size", Value: humanize.Bytes(uint64(size))})

		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}

// Summary returns the session log computed by Close.
func (w *Writer) Summary() SessionLog { return w.summary }

func (w *Writer) writeLog() error {
	f, err := os.Create(w.logPath)
	if err != nil {
		return fmt.Errorf("create session log: %w", err)
	}
	if _, err := w.summary.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write session log: %w", err)
	}
	return f.Close()
}
