package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/ratelimit"
)

// DefaultUserAgent is sent when no User-Agent is configured.
const DefaultUserAgent = "Mozilla/5.0"

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	UserAgent string
	Timeout   time.Duration // per request for Get/GetBytes (default 15s)
	RateLimit int           // max requests per second (0 = unlimited)
}

// HTTPClient wraps http.Client with cookie/user-agent injection, request
// pacing and interstitial detection. Each capture session owns one.
type HTTPClient struct {
	client    *http.Client
	limiter   ratelimit.Limiter
	cookies   string
	userAgent string
	timeout   time.Duration
}

// NewHTTPClient creates an HTTP client with TLS verification disabled.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	limiter := ratelimit.NewUnlimited()
	if cfg.RateLimit > 0 {
		limiter = ratelimit.New(cfg.RateLimit)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &HTTPClient{
		client:    &http.Client{Transport: transport},
		limiter:   limiter,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
	}
}

// WithCookies returns a client sending the given cookie string
// ("k=v; k2=v2"). The copy shares the transport and rate limiter.
func (h *HTTPClient) WithCookies(cookies string) *HTTPClient {
	c := *h
	c.cookies = cookies
	return &c
}

// Cookies returns the cookie string this client sends.
func (h *HTTPClient) Cookies() string { return h.cookies }

// Get fetches a URL and returns the body as a string.
func (h *HTTPClient) Get(ctx context.Context, url string) (string, error) {
	b, err := h.GetBytes(ctx, url)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetBytes fetches a URL and returns the body. Any failure, including a
// non-2xx status or an interstitial page, is a *FetchError.
func (h *HTTPClient) GetBytes(ctx context.Context, url string) ([]byte, error) {
	b, status, err := h.do(ctx, url, h.timeout)
	if err != nil {
		return nil, err
	}

	body := string(b)
	if strings.Contains(body, "<title>Just a moment...</title>") {
		return nil, &FetchError{URL: url, Status: status, Err: ErrCloudflareBlocked}
	}
	if strings.Contains(body, "Verify your age") {
		return nil, &FetchError{URL: url, Status: status, Err: ErrAgeVerification}
	}
	if status < 200 || status > 299 {
		return nil, &FetchError{URL: url, Status: status, Err: fmt.Errorf("%s", http.StatusText(status))}
	}
	return b, nil
}

// do performs one GET bounded by timeout and returns the body with the
// status code. Only transport and read failures are errors.
func (h *HTTPClient) do(ctx context.Context, url string, timeout time.Duration) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, &FetchError{URL: url, Err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("User-Agent", h.userAgent)
	if h.cookies != "" {
		for _, pair := range strings.Split(h.cookies, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok {
				req.AddCookie(&http.Cookie{
					Name:  strings.TrimSpace(name),
					Value: strings.TrimSpace(value),
				})
			}
		}
	}

	h.limiter.Take()

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &FetchError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	return b, resp.StatusCode, nil
}
