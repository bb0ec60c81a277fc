// Package page is the document surface every regprobe component works
// against. A Page is either a live browser tab (see package browser) or a
// parsed static HTML document (Static), so the defense classifier, the
// signal extractor and the orchestrator run the same code in both modes.
package page

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a selector matches no element.
var ErrNotFound = errors.New("page: element not found")

// ErrUnsupported is returned by implementations that cannot perform an
// operation, e.g. JS probes on a static document.
var ErrUnsupported = errors.New("page: operation not supported")

// Element is a flattened description of one DOM element.
type Element struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Text     string            `json:"text,omitempty"`
	Value    string            `json:"value,omitempty"`
	Visible  bool              `json:"visible"`
	Selector string            `json:"selector"` // unique CSS path usable to re-target the element
}

// Attr returns the attribute value or "".
func (e Element) Attr(name string) string {
	return e.Attrs[name]
}

// Page is a loaded document that can be inspected and driven.
type Page interface {
	// URL is the current document URL.
	URL() string
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)

	// Query returns every element matching selector, in document order.
	Query(ctx context.Context, selector string) ([]Element, error)
	// Visible reports whether the first match exists and is rendered.
	Visible(ctx context.Context, selector string) (bool, error)
	Value(ctx context.Context, selector string) (string, error)
	Text(ctx context.Context, selector string) (string, error)
	// Attr returns ErrNotFound when no element matches and "" when the
	// attribute is absent.
	Attr(ctx context.Context, selector, name string) (string, error)

	Click(ctx context.Context, selector string) error
	// Fill types value into an input or textarea, or picks the option of a
	// select whose value or label equals value.
	Fill(ctx context.Context, selector, value string) error
	// Check ticks a checkbox if it is not already checked.
	Check(ctx context.Context, selector string) error

	// BodyText is the visible text of the document body.
	BodyText(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	// Scripts returns the bodies of inline <script> elements.
	Scripts(ctx context.Context) ([]string, error)
	// Probe evaluates a JS boolean expression in the page.
	Probe(ctx context.Context, expr string) (bool, error)

	// ClearState drops cookies and web storage for the page origin.
	ClearState(ctx context.Context) error
	Close() error
}

// Opener hands out fresh pages. Every (mailbox, site) unit and every
// provider session owns the page it opened and must close it.
type Opener interface {
	Open(ctx context.Context) (Page, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Page, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context) (Page, error) { return f(ctx) }

// FirstVisible walks selectors in order and returns the first one whose
// first match is visible. Lookup errors on one candidate do not stop the walk.
func FirstVisible(ctx context.Context, p Page, selectors []string) (string, bool) {
	for _, sel := range selectors {
		if ctx.Err() != nil {
			return "", false
		}
		ok, err := p.Visible(ctx, sel)
		if err == nil && ok {
			return sel, true
		}
	}
	return "", false
}

// Count returns the number of matches for selector, 0 on error.
func Count(ctx context.Context, p Page, selector string) int {
	els, err := p.Query(ctx, selector)
	if err != nil {
		return 0
	}
	return len(els)
}
