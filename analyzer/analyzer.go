// Package analyzer works out where a disposable-mail provider page shows
// its generated address. It asks a reasoning service for a retrieval plan
// and falls back to a deterministic heuristic whenever the service is
// unavailable, slow, or replies with something unusable.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/regprobe/kit"
	"github.com/hazyhaar/regprobe/page"
	"github.com/hazyhaar/regprobe/pagesignal"
)

// Reasoner sends one prompt to a reasoning backend. *reasoning.Client
// satisfies it.
type Reasoner interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Observer is told where every plan came from ("parsed" or "fallback").
type Observer interface {
	ObservePlan(source string)
}

// Analyzer produces and executes retrieval plans.
type Analyzer struct {
	reasoner     Reasoner
	extractor    *pagesignal.Extractor
	timeout      time.Duration
	pollAttempts int
	pollInterval time.Duration
	sleep        func(context.Context, time.Duration) error
	observer     Observer
	logger       *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithReasoner sets the reasoning backend. Without one every plan is a
// heuristic fallback.
func WithReasoner(r Reasoner) Option {
	return func(a *Analyzer) { a.reasoner = r }
}

// WithTimeout bounds one reasoning call. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(a *Analyzer) { a.timeout = d }
}

// WithPolling sets how often an input value is re-read. Default 10 × 1s.
func WithPolling(attempts int, interval time.Duration) Option {
	return func(a *Analyzer) {
		a.pollAttempts = attempts
		a.pollInterval = interval
	}
}

// WithSleep replaces the context-aware sleep (tests).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(a *Analyzer) { a.sleep = fn }
}

// WithObserver reports plan sources.
func WithObserver(o Observer) Option {
	return func(a *Analyzer) { a.observer = o }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// New returns an Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		timeout:      30 * time.Second,
		pollAttempts: 10,
		pollInterval: time.Second,
		sleep:        kit.Sleep,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.extractor = pagesignal.New(a.logger)
	return a
}

// Capture snapshots p with the analyzer's extractor.
func (a *Analyzer) Capture(ctx context.Context, p page.Page) (*pagesignal.Snapshot, error) {
	return a.extractor.Capture(ctx, p)
}

// Plan asks the reasoning service for a plan. It never fails: timeouts,
// transport errors and malformed replies all yield a Fallback result.
func (a *Analyzer) Plan(ctx context.Context, snap *pagesignal.Snapshot, service string) Result {
	res := a.plan(ctx, snap, service)
	if a.observer != nil {
		a.observer.ObservePlan(res.Kind.String())
	}
	return res
}

func (a *Analyzer) plan(ctx context.Context, snap *pagesignal.Snapshot, service string) Result {
	if a.reasoner == nil {
		return Result{Kind: Fallback, Plan: Heuristic(snap), Reason: "no reasoning backend"}
	}

	prompt, err := buildPrompt(snap, service)
	if err != nil {
		return Result{Kind: Fallback, Plan: Heuristic(snap), Reason: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	reply, err := a.reasoner.Complete(callCtx, systemPrompt, prompt)
	if err != nil {
		a.logger.Warn("analyzer: reasoning call failed, using heuristic",
			"service", service, "error", err)
		return Result{Kind: Fallback, Plan: Heuristic(snap), Reason: "reasoning call failed: " + err.Error()}
	}

	plan, err := parsePlan(reply)
	if err != nil {
		a.logger.Warn("analyzer: unusable reasoning reply, using heuristic",
			"service", service, "error", err)
		return Result{Kind: Fallback, Plan: Heuristic(snap), Reason: "unusable reply: " + err.Error()}
	}

	a.logger.Debug("analyzer: plan parsed",
		"service", service, "method", plan.Method,
		"selector", plan.PrimarySelector, "confidence", plan.Confidence)
	return Result{Kind: Parsed, Plan: plan}
}

// Locate captures p, plans and executes, returning the address on the page.
func (a *Analyzer) Locate(ctx context.Context, p page.Page, service string) (string, error) {
	snap, err := a.Capture(ctx, p)
	if err != nil {
		return "", &RetrievalError{Service: service, Err: err}
	}
	res := a.Plan(ctx, snap, service)
	addr, err := a.Execute(ctx, p, res.Plan)
	if err != nil {
		var re *RetrievalError
		if errors.As(err, &re) {
			re.Service = service
		}
		return "", err
	}
	return addr, nil
}

const systemPrompt = `You analyse the DOM of a disposable email provider page.
Find where the page shows the generated email address and how to read it.
Reply with exactly one JSON object and nothing else:
{
  "emailFound": bool,
  "retrievalMethod": "input_field" | "copy_button" | "text_element" | "data_attribute",
  "primarySelector": "CSS selector of the element holding the address",
  "alternativeSelectors": ["other CSS selectors to try"],
  "copyButtonSelector": "CSS selector of a copy button, or empty",
  "waitRequired": bool,
  "expectedLoadTime": seconds,
  "inboxSelector": "CSS selector of the inbox list, or empty",
  "confidence": number between 0 and 1,
  "reasoning": "one sentence",
  "instructions": "one sentence"
}
Only use selectors that appear in the element lists you are given.`

// promptElement is the trimmed element shape sent to the backend.
type promptElement struct {
	Tag      string            `json:"tag"`
	Selector string            `json:"selector"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Text     string            `json:"text,omitempty"`
	Value    string            `json:"value,omitempty"`
	Visible  bool              `json:"visible"`
}

var promptAttrs = []string{"type", "name", "id", "class", "placeholder", "readonly", "role",
	"data-clipboard-text", "data-clipboard-target", "data-email", "aria-label"}

func buildPrompt(snap *pagesignal.Snapshot, service string) (string, error) {
	trim := func(els []page.Element) []promptElement {
		out := make([]promptElement, 0, len(els))
		for _, el := range els {
			pe := promptElement{Tag: el.Tag, Selector: el.Selector, Value: el.Value, Visible: el.Visible}
			if len(el.Text) > 120 {
				pe.Text = el.Text[:120]
			} else {
				pe.Text = el.Text
			}
			for _, k := range promptAttrs {
				if v, ok := el.Attrs[k]; ok {
					if pe.Attrs == nil {
						pe.Attrs = make(map[string]string)
					}
					pe.Attrs[k] = v
				}
			}
			out = append(out, pe)
		}
		return out
	}
	payload := map[string]any{
		"url":        snap.URL,
		"title":      snap.Title,
		"inputs":     trim(snap.Inputs),
		"buttons":    trim(snap.Buttons),
		"clickables": trim(snap.Clickables),
	}
	body, err := json.MarshalIndent(payload, "", " ")
	if err != nil {
		return "", fmt.Errorf("analyzer: encode snapshot: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Service: %s\n\nPage elements:\n%s\n", service, body)
	if snap.TextExcerpt != "" {
		fmt.Fprintf(&b, "\nVisible text:\n%s\n", snap.TextExcerpt)
	}
	return b.String(), nil
}
