package cookies

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/whisper-darkly/sticky-capture/logger"
)

// SourceConfig controls how a cookie source is read and refreshed.
type SourceConfig struct {
	JSONMode        bool          // STICKY_COOKIES_JSON: file holds a JSON array of cookie sets
	RefreshInterval time.Duration // STICKY_COOKIES_REFRESH: reread a file source this often
}

// Source is where cookie sets come from: a literal string from the command
// line, or a file given as file://path.
type Source struct {
	literal string
	path    string
	cfg     SourceConfig
}

// NewSource classifies raw as a literal cookie string or a file reference.
func NewSource(raw string, cfg SourceConfig) *Source {
	if path, ok := strings.CutPrefix(raw, "file://"); ok {
		return &Source{path: path, cfg: cfg}
	}
	return &Source{literal: raw, cfg: cfg}
}

// Load returns the current cookie sets.
func (s *Source) Load() ([]string, error) {
	if s.path == "" {
		return []string{s.literal}, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read cookie file %q: %w", s.path, err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil, fmt.Errorf("cookie file %q is empty", s.path)
	}
	if !s.cfg.JSONMode {
		return []string{content}, nil
	}

	var sets []string
	if err := json.Unmarshal([]byte(content), &sets); err != nil {
		return nil, fmt.Errorf("parse cookie JSON %q: %w", s.path, err)
	}
	return sets, nil
}

// StartRefresh rereads a file source every RefreshInterval and merges the
// result into pool until ctx is done. Literal sources never change, so this
// is a no-op for them.
func (s *Source) StartRefresh(ctx context.Context, pool *Pool, log *logger.Logger) {
	if s.path == "" || s.cfg.RefreshInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sets, err := s.Load()
				if err != nil {
					log.Warn("cookie refresh failed: %v", err)
					continue
				}
				pool.Update(sets)
				log.Debug("cookie pool refreshed: %d entries", pool.Count())
			}
		}
	}()
}
