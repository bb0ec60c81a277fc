// Package defense classifies the anti-automation defenses a loaded page
// presents. Each category of a taxonomy is evaluated against element
// selectors, body phrases, the HTTP status and headers, inline scripts and
// JS probes; a behavioral pass then looks for scripts that watch the
// visitor. Findings are ordered by severity, highest first.
package defense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/regprobe/page"
)

// BlockingSeverity is the severity from which a finding stops a registration.
const BlockingSeverity = 7

// Finding is one detected defense. Findings are values.
type Finding struct {
	Type       string    `json:"type"`
	Subtype    string    `json:"subtype"`
	Severity   int       `json:"severity"`
	Evidence   []string  `json:"evidence"`
	DetectedAt time.Time `json:"detectedAt"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s/%s (severity %d)", f.Type, f.Subtype, f.Severity)
}

// Target carries what the HTTP layer saw when the page was loaded. Zero
// values mean unknown and disable the status and header signals.
type Target struct {
	URL        string
	StatusCode int
	Header     http.Header
}

// Observer is told about every finding.
type Observer interface {
	ObserveFinding(f Finding)
}

// Classifier scans pages against a taxonomy.
type Classifier struct {
	taxonomy []Category
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithTaxonomy replaces the built-in taxonomy.
func WithTaxonomy(cats []Category) Option {
	return func(c *Classifier) { c.taxonomy = cats }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// WithObserver reports findings.
func WithObserver(o Observer) Option {
	return func(c *Classifier) { c.observer = o }
}

// WithClock sets the clock used for DetectedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// New returns a Classifier using DefaultTaxonomy unless overridden.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		taxonomy: DefaultTaxonomy(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Taxonomy returns the categories in evaluation order.
func (c *Classifier) Taxonomy() []Category {
	return slices.Clone(c.taxonomy)
}

// pageView is what one scan reads from the page, once.
type pageView struct {
	p       page.Page
	text    string // lowercased title + body text
	scripts []string
	target  Target
}

// Scan classifies p. It never fails: a signal that cannot be read is
// logged and treated as absent.
func (c *Classifier) Scan(ctx context.Context, p page.Page, t Target) []Finding {
	v := &pageView{p: p, target: t}

	var parts []string
	if title, err := p.Title(ctx); err == nil {
		parts = append(parts, title)
	}
	if body, err := p.BodyText(ctx); err == nil {
		parts = append(parts, body)
	} else {
		c.logger.Warn("defense: body text unavailable", "url", t.URL, "error", err)
	}
	v.text = strings.ToLower(strings.Join(parts, "\n"))

	if scripts, err := p.Scripts(ctx); err == nil {
		v.scripts = scripts
	} else {
		c.logger.Warn("defense: scripts unavailable", "url", t.URL, "error", err)
	}

	var findings []Finding
	for _, cat := range c.taxonomy {
		if ctx.Err() != nil {
			break
		}
		if f, ok := c.evaluate(ctx, v, cat); ok {
			findings = append(findings, f)
		}
	}
	findings = append(findings, c.behavioral(v.scripts)...)

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity > findings[j].Severity
	})

	for _, f := range findings {
		if c.observer != nil {
			c.observer.ObserveFinding(f)
		}
		c.logger.Debug("defense: detected", "url", t.URL, "finding", f.String())
	}
	return findings
}

func (c *Classifier) evaluate(ctx context.Context, v *pageView, cat Category) (Finding, bool) {
	var ev []string

	ev = append(ev, c.matchSelectors(ctx, v, cat.Selectors)...)
	ev = append(ev, matchPhrases(v.text, cat.Phrases)...)
	if v.target.StatusCode != 0 && slices.Contains(cat.StatusCodes, v.target.StatusCode) {
		ev = append(ev, fmt.Sprintf("status: %d", v.target.StatusCode))
	}
	ev = append(ev, matchHeaders(v.target.Header, cat.Headers)...)
	ev = append(ev, matchScripts(v.scripts, cat.Scripts)...)
	for _, expr := range cat.Probes {
		ok, err := v.p.Probe(ctx, expr)
		switch {
		case errors.Is(err, page.ErrUnsupported):
		case err != nil:
			c.logger.Debug("defense: probe failed", "probe", expr, "error", err)
		case ok:
			ev = append(ev, "probe: "+expr)
		}
	}
	if len(ev) == 0 {
		return Finding{}, false
	}

	f := Finding{
		Type:       cat.Type,
		Subtype:    cat.Subtype,
		Severity:   clampSeverity(cat.Severity),
		Evidence:   ev,
		DetectedAt: c.now(),
	}
	if f.Subtype == "" {
		f.Subtype = "generic"
	}
	for _, r := range cat.Refinements {
		var rev []string
		rev = append(rev, c.matchSelectors(ctx, v, r.Selectors)...)
		rev = append(rev, matchPhrases(v.text, r.Phrases)...)
		rev = append(rev, matchHeaders(v.target.Header, r.Headers)...)
		rev = append(rev, matchScripts(v.scripts, r.Scripts)...)
		if len(rev) == 0 {
			continue
		}
		f.Subtype = r.Subtype
		if r.Severity > 0 {
			f.Severity = clampSeverity(r.Severity)
		}
		for _, e := range rev {
			if !slices.Contains(f.Evidence, e) {
				f.Evidence = append(f.Evidence, e)
			}
		}
		break
	}
	return f, true
}

func (c *Classifier) matchSelectors(ctx context.Context, v *pageView, sels []string) []string {
	var ev []string
	for _, sel := range sels {
		n := page.Count(ctx, v.p, sel)
		if n > 0 {
			ev = append(ev, fmt.Sprintf("selector: %s (%d)", sel, n))
		}
	}
	return ev
}

func matchPhrases(text string, phrases []string) []string {
	var ev []string
	for _, ph := range phrases {
		if strings.Contains(text, strings.ToLower(ph)) {
			ev = append(ev, fmt.Sprintf("phrase: %q", ph))
		}
	}
	return ev
}

func matchHeaders(h http.Header, triggers []HeaderTrigger) []string {
	if len(h) == 0 {
		return nil
	}
	var ev []string
	for _, tr := range triggers {
		vals := h.Values(tr.Name)
		for _, val := range vals {
			lv := strings.ToLower(val)
			switch {
			case tr.Equals != "" && lv != strings.ToLower(tr.Equals):
				continue
			case tr.Contains != "" && !strings.Contains(lv, strings.ToLower(tr.Contains)):
				continue
			}
			ev = append(ev, fmt.Sprintf("header: %s: %s", http.CanonicalHeaderKey(tr.Name), truncate(val, 80)))
			break
		}
	}
	return ev
}

func matchScripts(scripts []string, needles []string) []string {
	var ev []string
	for _, n := range needles {
		for _, s := range scripts {
			if strings.Contains(s, n) {
				ev = append(ev, "script: "+n)
				break
			}
		}
	}
	return ev
}

// Blocking returns the highest-severity finding at or above
// BlockingSeverity.
func Blocking(findings []Finding) (Finding, bool) {
	var top Finding
	found := false
	for _, f := range findings {
		if f.Severity >= BlockingSeverity && (!found || f.Severity > top.Severity) {
			top, found = f, true
		}
	}
	return top, found
}

// DifficultyScore rates findings in [0,1]: 0.7 weight on mean severity,
// 0.3 on how many defenses there are (saturating at 10).
func DifficultyScore(findings []Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	total := 0
	for _, f := range findings {
		total += clampSeverity(f.Severity)
	}
	mean := float64(total) / float64(len(findings))
	count := min(len(findings), 10)
	score := 0.7*(mean/10) + 0.3*(float64(count)/10)
	return max(0, min(score, 1))
}

func clampSeverity(s int) int {
	return max(1, min(s, 10))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
