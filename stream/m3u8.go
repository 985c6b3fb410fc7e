package stream

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/whisper-darkly/sticky-capture/logger"
)

const (
	subPlaylistPrefix = "chunklist_"
	playlistSuffix    = ".m3u8"
)

// PlaylistResolver turns a manifest URL into the URL of the newest media
// segment it lists.
type PlaylistResolver struct {
	client *HTTPClient
	log    *logger.Logger
}

// NewPlaylistResolver creates a resolver fetching through client.
func NewPlaylistResolver(client *HTTPClient, log *logger.Logger) *PlaylistResolver {
	return &PlaylistResolver{client: client, log: log}
}

// LatestSegment fetches the manifest and returns the absolute URL of its last
// segment line. When the manifest is a master playlist (it has chunklist_*.m3u8
// lines) the last such line in file order is followed one level first.
//
// "Last" is positional: it is the most recently appended entry, which for a
// live playlist is the live edge. Variants are not ranked by quality.
func (p *PlaylistResolver) LatestSegment(ctx context.Context, manifestURL string) (string, error) {
	body, err := p.client.Get(ctx, manifestURL)
	if err != nil {
		return "", fmt.Errorf("fetch manifest: %w", err)
	}
	lines := splitLines(body)

	playlistURL := manifestURL
	if sub := lastSubPlaylist(lines); sub != "" {
		p.describeMaster(body, sub)
		if playlistURL, err = resolveReference(manifestURL, sub); err != nil {
			return "", err
		}
		p.log.Debug("following sub-playlist %s", playlistURL)

		body, err = p.client.Get(ctx, playlistURL)
		if err != nil {
			return "", fmt.Errorf("fetch sub-playlist: %w", err)
		}
		lines = splitLines(body)
	}
	p.describeMedia(body)

	var last string
	for _, line := range lines {
		if line != "" && !strings.HasPrefix(line, "#") {
			last = line
		}
	}
	if last == "" {
		return "", newParseError("playlist", playlistURL, fmt.Errorf("no segment lines"))
	}
	return resolveReference(playlistURL, last)
}

func splitLines(body string) []string {
	lines := strings.Split(strings.TrimSpace(body), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines
}

func lastSubPlaylist(lines []string) string {
	var last string
	for _, line := range lines {
		if strings.HasPrefix(line, subPlaylistPrefix) && strings.HasSuffix(line, playlistSuffix) {
			last = line
		}
	}
	return last
}

// resolveReference resolves ref against the URL of the document it came from.
func resolveReference(docURL, ref string) (string, error) {
	base, err := url.Parse(docURL)
	if err != nil {
		return "", newParseError("playlist url", docURL, err)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", newParseError("playlist entry", ref, err)
	}
	return base.ResolveReference(u).String(), nil
}

// describeMaster logs what the chosen variant advertises. Decoding is
// best-effort and never influences the selection.
func (p *PlaylistResolver) describeMaster(body, chosen string) {
	pl, _, err := m3u8.DecodeFrom(strings.NewReader(body), false)
	if err != nil {
		p.log.Debug("master playlist not decodable: %v", err)
		return
	}
	master, ok := pl.(*m3u8.MasterPlaylist)
	if !ok {
		return
	}
	for _, v := range master.Variants {
		if v != nil && v.URI == chosen {
			p.log.Debug("variant %s: resolution=%s bandwidth=%d", chosen, v.Resolution, v.Bandwidth)
			return
		}
	}
}

func (p *PlaylistResolver) describeMedia(body string) {
	pl, _, err := m3u8.DecodeFrom(strings.NewReader(body), false)
	if err != nil {
		p.log.Debug("media playlist not decodable: %v", err)
		return
	}
	if media, ok := pl.(*m3u8.MediaPlaylist); ok {
		p.log.Debug("media playlist: sequence=%d target=%vs segments=%d", media.SeqNo, media.TargetDuration, media.Count())
	}
}
