package stream

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/whisper-darkly/sticky-capture/logger"
)

// Driver resolves a broadcaster page to its HLS manifest. Everything that
// depends on the page format lives behind this interface.
type Driver interface {
	// Name returns the driver identifier (e.g., "chaturbate").
	Name() string

	// Matches reports whether the driver understands pages at pageURL.
	Matches(pageURL string) bool

	// ManifestURL fetches the page and extracts the HLS manifest URL.
	// Fails with *FetchError or *ParseError.
	ManifestURL(ctx context.Context, client *HTTPClient, pageURL string) (string, error)
}

var registry = map[string]Driver{}

// Register adds a driver to the global registry.
func Register(d Driver) {
	registry[d.Name()] = d
}

// Get returns a registered driver by name.
func Get(name string) (Driver, error) {
	d, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q (available: %v)", name, names())
	}
	return d, nil
}

// ForURL returns the first registered driver, in name order, that matches
// pageURL.
func ForURL(pageURL string) (Driver, error) {
	for _, n := range names() {
		if registry[n].Matches(pageURL) {
			return registry[n], nil
		}
	}
	return nil, fmt.Errorf("no driver for %s (available: %v)", pageURL, names())
}

func names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// StreamID derives the stable stream identifier from a page URL: its first
// path segment, or "unknown".
func StreamID(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "unknown"
	}
	first, _, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if first == "" {
		return "unknown"
	}
	return first
}

// Locator chains the page, manifest and playlist lookups: page URL in,
// live-edge segment URL out.
type Locator struct {
	driver    Driver
	client    *HTTPClient
	playlists *PlaylistResolver
}

// NewLocator creates a Locator for one session.
func NewLocator(d Driver, client *HTTPClient, log *logger.Logger) *Locator {
	return &Locator{
		driver:    d,
		client:    client,
		playlists: NewPlaylistResolver(client, log),
	}
}

// Locate resolves pageURL to the newest segment URL. cookies, when non-empty,
// are sent with the page request only.
func (l *Locator) Locate(ctx context.Context, pageURL, cookies string) (string, error) {
	manifest, err := l.driver.ManifestURL(ctx, l.client.WithCookies(cookies), pageURL)
	if err != nil {
		return "", err
	}
	return l.playlists.LatestSegment(ctx, manifest)
}
