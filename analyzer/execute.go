package analyzer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/regprobe/page"
)

// maxWait caps the settle wait a plan may request.
const maxWait = 30 * time.Second

var emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`)

// placeholders are values providers show while the address is generated.
var placeholders = []string{"loading", "please wait", "generating", "waiting", "fetching", "..."}

// dataAttributes are read in order when a plan names no attribute.
var dataAttributes = []string{"data-clipboard-text", "data-email", "data-address", "data-value", "value"}

// RetrievalError means neither the plan nor its fallbacks produced an address.
type RetrievalError struct {
	Service string
	Method  Method
	Tried   []string
	Err     error
}

func (e *RetrievalError) Error() string {
	msg := fmt.Sprintf("analyzer: no address retrieved (method %s, tried %s)", e.Method, strings.Join(e.Tried, ", "))
	if e.Service != "" {
		msg = fmt.Sprintf("analyzer: no address retrieved from %s (method %s, tried %s)", e.Service, e.Method, strings.Join(e.Tried, ", "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Execute reads the address from p following plan. When the primary
// selector yields nothing, each fallback selector is tried value first,
// then text.
func (a *Analyzer) Execute(ctx context.Context, p page.Page, plan Plan) (string, error) {
	if plan.WaitSeconds > 0 {
		wait := time.Duration(plan.WaitSeconds) * time.Second
		if wait > maxWait {
			wait = maxWait
		}
		if err := a.sleep(ctx, wait); err != nil {
			return "", &RetrievalError{Method: plan.Method, Err: err}
		}
	}

	tried := []string{plan.PrimarySelector}
	addr, err := a.primary(ctx, p, plan)
	if addr != "" {
		return addr, nil
	}
	if ctx.Err() != nil {
		return "", &RetrievalError{Method: plan.Method, Tried: tried, Err: ctx.Err()}
	}
	lastErr := err

	for _, sel := range plan.FallbackSelectors {
		tried = append(tried, sel)
		if v, err := p.Value(ctx, sel); err == nil {
			if addr := validAddress(v); addr != "" {
				return addr, nil
			}
		} else {
			lastErr = err
		}
		if t, err := p.Text(ctx, sel); err == nil {
			if addr := extractAddress(t); addr != "" {
				return addr, nil
			}
		}
	}
	return "", &RetrievalError{Method: plan.Method, Tried: tried, Err: lastErr}
}

func (a *Analyzer) primary(ctx context.Context, p page.Page, plan Plan) (string, error) {
	if plan.PrimarySelector == "" {
		return "", errors.New("empty primary selector")
	}
	switch plan.Method {
	case MethodCopyButton:
		btn := plan.CopyButtonSelector
		if btn == "" {
			btn = plan.PrimarySelector
		}
		if err := p.Click(ctx, btn); err != nil {
			a.logger.Debug("analyzer: copy button click failed", "selector", btn, "error", err)
		}
		return a.pollValue(ctx, p, plan.PrimarySelector)

	case MethodTextElement:
		t, err := p.Text(ctx, plan.PrimarySelector)
		if err != nil {
			return "", err
		}
		return extractAddress(t), nil

	case MethodDataAttribute:
		attrs := dataAttributes
		if plan.DataAttribute != "" {
			attrs = append([]string{plan.DataAttribute}, dataAttributes...)
		}
		var lastErr error
		for _, name := range attrs {
			v, err := p.Attr(ctx, plan.PrimarySelector, name)
			if err != nil {
				lastErr = err
				continue
			}
			if addr := validAddress(v); addr != "" {
				return addr, nil
			}
		}
		return "", lastErr

	default:
		return a.pollValue(ctx, p, plan.PrimarySelector)
	}
}

// pollValue re-reads an input until it holds a real address.
func (a *Analyzer) pollValue(ctx context.Context, p page.Page, sel string) (string, error) {
	var lastErr error
	for i := 0; i < a.pollAttempts; i++ {
		if i > 0 {
			if err := a.sleep(ctx, a.pollInterval); err != nil {
				return "", err
			}
		}
		v, err := p.Value(ctx, sel)
		if err != nil {
			lastErr = err
			continue
		}
		if addr := validAddress(v); addr != "" {
			return addr, nil
		}
	}
	return "", lastErr
}

// validAddress returns v trimmed when it is a whole, non-placeholder address.
func validAddress(v string) string {
	v = strings.TrimSpace(v)
	if isPlaceholder(v) {
		return ""
	}
	if m := emailRe.FindString(v); m != "" && m == v {
		return v
	}
	return ""
}

func extractAddress(text string) string {
	for _, m := range emailRe.FindAllString(text, -1) {
		if !isPlaceholder(m) {
			return m
		}
	}
	return ""
}

func isPlaceholder(v string) bool {
	lower := strings.ToLower(v)
	if lower == "" || strings.HasSuffix(lower, "@example.com") || strings.HasSuffix(lower, "@example.org") {
		return true
	}
	for _, ph := range placeholders {
		if strings.Contains(lower, ph) {
			return true
		}
	}
	return false
}
