// Package fetcher implements the HTTP-only acquisition path: a single GET
// that captures the status code and response headers the defense classifier
// keys on, plus the body parsed as a static page.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/regprobe/page"
)

// MaxBody caps the bytes read from one response.
const MaxBody = 10 << 20

// Result is the outcome of an HTTP fetch.
type Result struct {
	URL        string
	FinalURL   string // after redirects
	StatusCode int
	Header     http.Header
	Body       []byte
	Sufficient bool // true if the HTML has enough content to skip the browser
}

// Fetcher performs HTTP GETs.
type Fetcher struct {
	client *http.Client
	ua     string
	logger *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher with sensible defaults.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     "Mozilla/5.0 (compatible; regprobe/1.0)",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch GETs pageURL. Non-2xx responses are not errors: 403 and 429 are
// defense signals the caller needs to see.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Result, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetcher: parse url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return nil, fmt.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBody))
	if err != nil {
		return nil, fmt.Errorf("fetcher: read body: %w", err)
	}

	res := &Result{
		URL:        pageURL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Sufficient: IsSufficient(body),
	}

	f.logger.Debug("fetcher: fetched",
		"url", pageURL, "status", resp.StatusCode,
		"size", len(body), "sufficient", res.Sufficient)

	return res, nil
}

// Load fetches pageURL and parses the body as a static page. The page can
// Navigate further through the same fetcher.
func (f *Fetcher) Load(ctx context.Context, pageURL string, opts ...page.StaticOption) (*page.Static, *Result, error) {
	res, err := f.Fetch(ctx, pageURL)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]page.StaticOption{page.WithLoader(f.LoadHTML)}, opts...)
	p, err := page.NewStatic(res.FinalURL, string(res.Body), opts...)
	if err != nil {
		return nil, nil, err
	}
	return p, res, nil
}

// LoadHTML fetches pageURL and returns the body. It is a page.Loader.
func (f *Fetcher) LoadHTML(ctx context.Context, pageURL string) (string, error) {
	res, err := f.Fetch(ctx, pageURL)
	if err != nil {
		return "", err
	}
	return string(res.Body), nil
}
