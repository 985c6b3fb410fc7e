package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a log severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// Format represents the output format for log messages.
type Format int

const (
	FormatNormal Format = iota
	FormatJSON
)

// ParseLevel converts a string to a Level. Case-insensitive. Defaults to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// ParseFormat converts a string to a Format. Case-insensitive. Defaults to FormatNormal.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatNormal
}

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelFatal {
		return "???"
	}
	return levelNames[l]
}

// KV is an ordered key-value pair for structured event logging.
type KV struct {
	Key   string
	Value string
}

// sink is the output state shared by a logger and all of its named children.
type sink struct {
	mu     sync.Mutex
	level  Level
	format Format
	file   io.Writer // nil if no log file
	stdout io.Writer
	stderr io.Writer
}

// Logger provides leveled, dual-output logging.
//
// Without a log file:
//   - DEBUG/INFO messages → stdout
//   - WARN/ERROR/FATAL messages → stderr
//   - Event messages → stdout
//
// With a log file:
//   - All messages (at or above level) → file
//   - Event messages additionally → stdout
//   - WARN/ERROR/FATAL additionally → stderr
//
// Loggers returned by Named share the parent's sink; only the name differs.
type Logger struct {
	s    *sink
	name string
}

// New creates a Logger at the given level with no file output.
func New(level Level) *Logger {
	return &Logger{s: &sink{level: level, stdout: os.Stdout, stderr: os.Stderr}}
}

// Named returns a child logger whose lines are tagged with name. Nested names
// are joined with "/".
func (l *Logger) Named(name string) *Logger {
	if l.name != "" {
		name = l.name + "/" + name
	}
	return &Logger{s: l.s, name: name}
}

// SetFormat sets the output format (normal or JSON).
func (l *Logger) SetFormat(f Format) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.format = f
}

// SetFile sets the log file writer. Pass nil to disable file logging.
func (l *Logger) SetFile(w io.Writer) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.file = w
}

// SetOutput replaces the console writers.
func (l *Logger) SetOutput(stdout, stderr io.Writer) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.stdout = stdout
	l.s.stderr = stderr
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(format string, args ...any) { l.emit(LevelDebug, format, args...) }

// Info logs at INFO level.
func (l *Logger) Info(format string, args ...any) { l.emit(LevelInfo, format, args...) }

// Warn logs at WARN level.
func (l *Logger) Warn(format string, args ...any) { l.emit(LevelWarn, format, args...) }

// Error logs at ERROR level.
func (l *Logger) Error(format string, args ...any) { l.emit(LevelError, format, args...) }

// Fatal logs at FATAL level then exits.
func (l *Logger) Fatal(format string, args ...any) {
	l.emit(LevelFatal, format, args...)
	os.Exit(1)
}

// Event emits a structured lifecycle event with ordered key-value pairs.
// Events always emit regardless of log level. A named logger adds a
// "stream" key holding its name.
//
// Normal format: 2006/01/02 15:04:05 [EVENT] EPOCH START stream=alice dir=Downloads/alice/...
// JSON format:   {"time":"...","event":"EPOCH START","stream":"alice","dir":"..."}
func (l *Logger) Event(event string, kvs ...KV) {
	if l.name != "" {
		kvs = append([]KV{{Key: "stream", Value: l.name}}, kvs...)
	}

	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	line := l.s.render(time.Now(), "EVENT", "event", event, kvs)
	if l.s.file != nil {
		fmt.Fprintln(l.s.file, line)
	}
	fmt.Fprintln(l.s.stdout, line)
}

// Writer returns an io.Writer that logs each line at the given level.
// Useful for capturing subprocess output (e.g. ffmpeg stderr).
func (l *Logger) Writer(level Level) io.Writer {
	return &writerAdapter{logger: l, level: level}
}

func (l *Logger) emit(level Level, format string, args ...any) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if level < l.s.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	var kvs []KV
	if l.name != "" {
		if l.s.format == FormatJSON {
			kvs = []KV{{Key: "stream", Value: l.name}}
		} else {
			msg = "[" + l.name + "] " + msg
		}
	}
	line := l.s.render(time.Now(), level.String(), "message", msg, kvs)

	switch {
	case l.s.file != nil:
		fmt.Fprintln(l.s.file, line)
		if level >= LevelWarn {
			fmt.Fprintln(l.s.stderr, line)
		}
	case level >= LevelWarn:
		fmt.Fprintln(l.s.stderr, line)
	default:
		fmt.Fprintln(l.s.stdout, line)
	}
}

// render formats one line. In JSON, head is stored under headKey and plain
// messages also carry their level.
func (s *sink) render(now time.Time, tag, headKey, head string, kvs []KV) string {
	if s.format == FormatJSON {
		obj := make(map[string]any, len(kvs)+3)
		obj["time"] = now.Format(time.RFC3339)
		if headKey == "message" {
			obj["level"] = strings.ToLower(tag)
		}
		obj[headKey] = head
		for _, kv := range kvs {
			obj[kv.Key] = kv.Value
		}
		b, _ := json.Marshal(obj)
		return string(b)
	}

	var sb strings.Builder
	sb.WriteString(now.Format("2006/01/02 15:04:05"))
	sb.WriteString(" [" + tag + "] ")
	sb.WriteString(head)
	for _, kv := range kvs {
		sb.WriteString(" " + kv.Key + "=" + kv.Value)
	}
	return sb.String()
}

type writerAdapter struct {
	logger *Logger
	level  Level
}

func (w *writerAdapter) Write(p []byte) (int, error) {
	for _, msg := range strings.Split(strings.TrimRight(string(p), "\n\r"), "\n") {
		if msg = strings.TrimRight(msg, "\r"); msg != "" {
			w.logger.emit(w.level, "%s", msg)
		}
	}
	return len(p), nil
}
