// Package pagesignal captures the structural signals of a loaded page that
// the analyzer reasons over: its inputs, buttons and clickable elements,
// plus a bounded markdown excerpt of the visible text.
package pagesignal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"

	"github.com/hazyhaar/regprobe/page"
)

const (
	// MaxElements caps each element list in a snapshot.
	MaxElements = 50
	// MaxExcerpt caps the markdown excerpt, in runes.
	MaxExcerpt = 2000
)

const (
	inputSelector     = "input, textarea, select"
	buttonSelector    = "button, input[type=submit], input[type=button], [role=button]"
	clickableSelector = "a, [role=button], [onclick], [data-clipboard-text], [data-clipboard-target], " +
		"[class*=copy], [class*=Copy], [id*=copy], [id*=Copy]"
)

// Snapshot is the ephemeral view of a page handed to the analyzer.
type Snapshot struct {
	URL         string         `json:"url"`
	Title       string         `json:"title"`
	Inputs      []page.Element `json:"inputs"`
	Buttons     []page.Element `json:"buttons"`
	Clickables  []page.Element `json:"clickables"`
	TextExcerpt string         `json:"textExcerpt,omitempty"`
}

// Extractor captures snapshots.
type Extractor struct {
	md     *converter.Converter
	logger *slog.Logger
}

// New returns an Extractor. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		logger: logger,
	}
}

// Capture reads p. Element lists fail hard; the title and excerpt are
// best effort.
func (x *Extractor) Capture(ctx context.Context, p page.Page) (*Snapshot, error) {
	snap := &Snapshot{URL: p.URL()}

	if title, err := p.Title(ctx); err == nil {
		snap.Title = title
	}

	var err error
	if snap.Inputs, err = query(ctx, p, inputSelector); err != nil {
		return nil, err
	}
	if snap.Buttons, err = query(ctx, p, buttonSelector); err != nil {
		return nil, err
	}
	if snap.Clickables, err = query(ctx, p, clickableSelector); err != nil {
		return nil, err
	}

	html, err := p.HTML(ctx)
	if err != nil {
		x.logger.Debug("pagesignal: html unavailable", "url", snap.URL, "error", err)
		return snap, nil
	}
	md, err := x.md.ConvertString(html, converter.WithDomain(snap.URL))
	if err != nil {
		x.logger.Debug("pagesignal: markdown conversion failed", "url", snap.URL, "error", err)
		return snap, nil
	}
	snap.TextExcerpt = truncate(strings.TrimSpace(md), MaxExcerpt)
	return snap, nil
}

func query(ctx context.Context, p page.Page, selector string) ([]page.Element, error) {
	els, err := p.Query(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("pagesignal: query %q: %w", selector, err)
	}
	if len(els) > MaxElements {
		els = els[:MaxElements]
	}
	return els, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
