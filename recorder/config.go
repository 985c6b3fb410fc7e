package recorder

import (
	"time"

	"github.com/whisper-darkly/sticky-capture/cookies"
	"github.com/whisper-darkly/sticky-capture/logger"
	"github.com/whisper-darkly/sticky-capture/stream"
	"github.com/whisper-darkly/sticky-capture/writer"
)

// Config holds all capture parameters. It is built once and passed by value
// to every session.
type Config struct {
	Driver     stream.Driver // nil = pick by page URL host
	HTTP       stream.HTTPConfig
	CookiePool *cookies.Pool

	SegmentTimeout time.Duration // per-segment request timeout
	PollInterval   time.Duration // wait after a segment is not ready
	StallTimeout   time.Duration // no segment for this long = stalled
	RetryDelay     time.Duration // wait after a failed attempt
	RetryJitter    time.Duration // max random jitter added to RetryDelay (0 = disabled)
	MaxRetries     int           // attempts before a session ends, unless infinite

	OutRoot    string // root of all output folders
	OutPattern string // Go template for the epoch folder, relative to OutRoot
	SegmentExt string // media segment extension

	Writer writer.Config

	Log *logger.Logger
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.SegmentTimeout <= 0 {
		c.SegmentTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.OutRoot == "" {
		c.OutRoot = "Downloads"
	}
	if c.OutPattern == "" {
		c.OutPattern = DefaultOutPattern
	}
	if c.SegmentExt == "" {
		c.SegmentExt = stream.DefaultSegmentExt
	}
	if c.Writer.SegmentExt == "" {
		c.Writer.SegmentExt = c.SegmentExt
	}
	if c.Log == nil {
		c.Log = logger.New(logger.LevelInfo)
	}
	return c
}
