package stream

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCloudflareBlocked = errors.New("blocked by Cloudflare; try with --cookies and --user-agent")
	ErrAgeVerification   = errors.New("age verification required; try with --cookies and --user-agent")
)

// FetchError is a transport failure, a timeout, or a non-success status.
type FetchError struct {
	URL    string
	Status int // 0 when no response was received
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: http %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means an expected pattern or field was absent or malformed.
type ParseError struct {
	What  string
	Input string // offending input, truncated
	Err   error
}

func (e *ParseError) Error() string {
	msg := "parse " + e.What
	if e.Input != "" {
		msg += fmt.Sprintf(" (%q)", e.Input)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

func newParseError(what, input string, err error) *ParseError {
	const max = 120
	if len(input) > max {
		input = input[:max] + "..."
	}
	return &ParseError{What: what, Input: input, Err: err}
}

// StallError means no segment arrived within the stall threshold.
type StallError struct {
	Index   int           // index that was being polled
	Elapsed time.Duration // time since the last successful fetch
}

func (e *StallError) Error() string {
	return fmt.Sprintf("stalled at segment %d: no progress for %s", e.Index, e.Elapsed)
}

// WriteError is a failure to hand a segment to the mux process.
type WriteError struct {
	Index int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write segment %d: %v", e.Index, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsBlocked reports whether err came from a Cloudflare or age-verification
// interstitial rather than the broadcaster itself.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrCloudflareBlocked) || errors.Is(err, ErrAgeVerification)
}
