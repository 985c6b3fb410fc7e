package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/whisper-darkly/sticky-capture/stream"
)

func init() {
	stream.Register(&Chaturbate{})
}

// dossierPattern captures the escaped JSON literal assigned to the room
// dossier variable in the room page markup.
var dossierPattern = regexp.MustCompile(`window\.initialRoomDossier\s*=\s*"(\{.+?\})";`)

// Chaturbate resolves chaturbate.com room pages to their HLS manifest.
type Chaturbate struct{}

func (c *Chaturbate) Name() string { return "chaturbate" }

func (c *Chaturbate) Matches(pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "chaturbate.com" || strings.HasSuffix(host, ".chaturbate.com")
}

// ManifestURL scrapes the room page. The page is less aggressively
// Cloudflare-gated than the JSON API, so it is the only method used.
func (c *Chaturbate) ManifestURL(ctx context.Context, client *stream.HTTPClient, pageURL string) (string, error) {
	body, err := client.Get(ctx, pageURL)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}

	m := dossierPattern.FindStringSubmatch(body)
	if m == nil {
		return "", &stream.ParseError{What: "room dossier", Err: errors.New("initialRoomDossier not found in page")}
	}

	decoded, err := unescapeLiteral(m[1])
	if err != nil {
		return "", &stream.ParseError{What: "room dossier", Err: err}
	}

	var room struct {
		HLSSource string `json:"hls_source"`
	}
	if err := json.Unmarshal([]byte(decoded), &room); err != nil {
		return "", &stream.ParseError{What: "room dossier", Err: err}
	}
	if room.HLSSource == "" {
		return "", &stream.ParseError{What: "room dossier", Err: errors.New("no hls_source in dossier")}
	}
	return room.HLSSource, nil
}

// unescapeLiteral decodes the body of a JavaScript string literal. The page
// escapes nearly everything as \uXXXX, which JSON string decoding handles
// (including surrogate pairs); \' and \xNN are rewritten first since JSON
// has no such escapes.
func unescapeLiteral(raw string) (string, error) {
	var sb strings.Builder
	sb.Grow(len(raw) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case ch == '"':
			// The capture never contains a bare quote, but keep the JSON valid.
			sb.WriteString(`\"`)
		case ch != '\\' || i+1 >= len(raw):
			sb.WriteByte(ch)
		case raw[i+1] == '\'':
			sb.WriteByte('\'')
			i++
		case raw[i+1] == 'x' && i+3 < len(raw):
			sb.WriteString(`\u00`)
			sb.WriteString(raw[i+2 : i+4])
			i += 3
		default:
			sb.WriteByte(ch)
			sb.WriteByte(raw[i+1])
			i++
		}
	}
	sb.WriteByte('"')

	var out string
	if err := json.Unmarshal([]byte(sb.String()), &out); err != nil {
		return "", fmt.Errorf("unescape dossier: %w", err)
	}
	return out, nil
}
