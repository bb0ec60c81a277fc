// Package orchestrator runs one registration attempt of a mailbox on a
// site as a forward-only state machine, and batches of them.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"time"

	"github.com/hazyhaar/regprobe/defense"
	"github.com/hazyhaar/regprobe/fetcher"
	"github.com/hazyhaar/regprobe/kit"
	"github.com/hazyhaar/regprobe/mailbox"
	"github.com/hazyhaar/regprobe/page"
	"github.com/hazyhaar/regprobe/store"
)

// Site is a registration target.
type Site struct {
	Name     string `json:"name" yaml:"name"`
	URL      string `json:"url" yaml:"url"`
	Category string `json:"category,omitempty" yaml:"category"`
}

// Scanner classifies defenses on a loaded page. *defense.Classifier
// satisfies it.
type Scanner interface {
	Scan(ctx context.Context, p page.Page, t defense.Target) []defense.Finding
}

// Prober fetches a URL over plain HTTP to learn its status and headers.
// *fetcher.Fetcher satisfies it.
type Prober interface {
	Fetch(ctx context.Context, url string) (*fetcher.Result, error)
}

// Recorder persists attempts. *store.Store satisfies it. Every write is
// best effort.
type Recorder interface {
	UpsertSite(ctx context.Context, name, url, category string) (string, error)
	StartAttempt(ctx context.Context, accountID, email, siteID string) (string, error)
	RecordStep(ctx context.Context, attemptID string, st store.Step) error
	RecordDefenses(ctx context.Context, attemptID, siteID string, findings []defense.Finding) error
	FinishAttempt(ctx context.Context, attemptID, outcome string, fieldsFilled int, message string) error
	RecordSiteResult(ctx context.Context, siteID string, success bool, difficulty float64) error
}

// Observer is told about transitions and outcomes.
type Observer interface {
	ObserveAttempt(outcome string)
	ObserveStep(step string, d time.Duration)
}

// Result is a decided attempt.
type Result struct {
	AttemptID    string            `json:"attemptId,omitempty"`
	Site         Site              `json:"site"`
	Email        string            `json:"email"`
	State        State             `json:"state"`
	Outcome      Outcome           `json:"outcome"`
	Message      string            `json:"message,omitempty"`
	Findings     []defense.Finding `json:"findings,omitempty"`
	Structure    *Structure        `json:"structure,omitempty"`
	FieldsFilled int               `json:"fieldsFilled"`
	Fill         *FillReport       `json:"fill,omitempty"`
	Submitted    bool              `json:"submitted"`
	Difficulty   float64           `json:"difficulty"`
	Duration     time.Duration     `json:"duration"`
	// Err is the typed cause of a Failed outcome, when there is one.
	Err error `json:"-"`
}

// Orchestrator sequences navigation, defense scanning, form analysis,
// filling and the submission gate.
type Orchestrator struct {
	opener          page.Opener
	scanner         Scanner
	prober          Prober
	recorder        Recorder
	personas        PersonaSource
	allow           *AllowList
	success         SuccessFunc
	fields          []Field
	checkboxes      []string
	submitSelectors []string
	navTimeout      time.Duration
	submitWait      time.Duration
	paceMin         time.Duration
	paceMax         time.Duration
	concurrency     int
	sleep           func(context.Context, time.Duration) error
	now             func() time.Time
	observer        Observer
	logger          *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProber enables the status-code and header defense signals.
func WithProber(p Prober) Option { return func(o *Orchestrator) { o.prober = p } }

// WithRecorder persists attempts.
func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithPersonas sets the persona source. Default RandomPersonas.
func WithPersonas(ps PersonaSource) Option { return func(o *Orchestrator) { o.personas = ps } }

// WithAllowList sets the hosts submission is allowed on. Default
// DefaultAllowList.
func WithAllowList(a *AllowList) Option { return func(o *Orchestrator) { o.allow = a } }

// WithSuccess replaces the post-submit success predicate.
func WithSuccess(fn SuccessFunc) Option { return func(o *Orchestrator) { o.success = fn } }

// WithFields replaces the field set.
func WithFields(fields []Field) Option { return func(o *Orchestrator) { o.fields = fields } }

// WithCheckboxes replaces the consent checkbox selectors.
func WithCheckboxes(sels []string) Option { return func(o *Orchestrator) { o.checkboxes = sels } }

// WithSubmitSelectors replaces the submit button selectors.
func WithSubmitSelectors(sels []string) Option {
	return func(o *Orchestrator) { o.submitSelectors = sels }
}

// WithNavigationTimeout bounds page loads. Default 30s.
func WithNavigationTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.navTimeout = d } }

// WithSubmitWait is the settle time after clicking submit. Default 3s.
func WithSubmitWait(d time.Duration) Option { return func(o *Orchestrator) { o.submitWait = d } }

// WithPacing sets the think-time range between fills and attempts.
// Default 200ms to 2s.
func WithPacing(lo, hi time.Duration) Option {
	return func(o *Orchestrator) { o.paceMin, o.paceMax = lo, max(lo, hi) }
}

// WithConcurrency lets RunBatch work on n units at once. Default 1.
func WithConcurrency(n int) Option { return func(o *Orchestrator) { o.concurrency = max(n, 1) } }

// WithSleep replaces the context-aware sleep (tests).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock sets the clock used for durations.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithObserver reports transitions and outcomes.
func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.observer = obs } }

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New returns an Orchestrator opening one page per attempt with opener
// and scanning it with scanner.
func New(opener page.Opener, scanner Scanner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		opener:          opener,
		scanner:         scanner,
		personas:        RandomPersonas(),
		allow:           DefaultAllowList(),
		success:         KeywordSuccess(),
		fields:          DefaultFields(),
		checkboxes:      DefaultCheckboxes,
		submitSelectors: DefaultSubmitSelectors,
		navTimeout:      30 * time.Second,
		submitWait:      3 * time.Second,
		paceMin:         200 * time.Millisecond,
		paceMax:         2 * time.Second,
		concurrency:     1,
		sleep:           kit.Sleep,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// attempt carries one run through the states.
type attempt struct {
	res       *Result
	acct      *mailbox.Account
	siteID    string
	attemptID string
	started   time.Time
	page      page.Page
	target    defense.Target
	decided   bool
}

// Run performs one registration attempt. It never returns an error: every
// failure is a Failed outcome on the Result, and the attempt is persisted
// when a recorder is set.
func (o *Orchestrator) Run(ctx context.Context, acct *mailbox.Account, site Site) (res *Result) {
	a := &attempt{
		res:     &Result{Site: site, Email: acct.Address, State: StateCreated},
		acct:    acct,
		started: o.now(),
	}
	a.target.URL = site.URL
	o.begin(ctx, a)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: panic during attempt",
				"site", site.URL, "state", a.res.State, "panic", r)
			if !a.decided {
				o.fail(ctx, a, fmt.Errorf("internal error: %v", r))
			}
		}
		if a.page != nil {
			if err := a.page.Close(); err != nil {
				o.logger.Debug("orchestrator: close page", "error", err)
			}
		}
		res = a.res
	}()

	if err := o.navigate(ctx, a); err != nil {
		o.fail(ctx, a, err)
		return
	}
	o.scan(ctx, a)
	if err := o.analyze(ctx, a); err != nil {
		o.fail(ctx, a, err)
		return
	}
	if err := o.fillForm(ctx, a); err != nil {
		o.fail(ctx, a, err)
		return
	}
	o.decide(ctx, a)
	return
}

func (o *Orchestrator) begin(ctx context.Context, a *attempt) {
	if o.recorder == nil {
		return
	}
	site := a.res.Site
	siteID, err := o.recorder.UpsertSite(ctx, site.Name, site.URL, site.Category)
	if err != nil {
		o.logger.Warn("orchestrator: upsert site failed", "site", site.URL, "error", err)
		return
	}
	a.siteID = siteID
	id, err := o.recorder.StartAttempt(ctx, a.acct.ID, a.acct.Address, siteID)
	if err != nil {
		o.logger.Warn("orchestrator: start attempt failed", "site", site.URL, "error", err)
		return
	}
	a.attemptID = id
	a.res.AttemptID = id
}

// step moves the attempt to next and writes the audit record.
func (o *Orchestrator) step(ctx context.Context, a *attempt, next State, since time.Time, status string, input, output any) {
	d := o.now().Sub(since)
	a.res.State = next
	if o.observer != nil {
		o.observer.ObserveStep(string(next), d)
	}
	if o.recorder == nil || a.attemptID == "" {
		return
	}
	err := o.recorder.RecordStep(ctx, a.attemptID, store.Step{
		Name:     string(next),
		Status:   status,
		Duration: d,
		Input:    store.JSON(input),
		Output:   store.JSON(output),
	})
	if err != nil {
		o.logger.Warn("orchestrator: record step failed", "step", next, "error", err)
	}
}

func (o *Orchestrator) navigate(ctx context.Context, a *attempt) error {
	start := o.now()
	url := a.res.Site.URL
	navCtx, cancel := context.WithTimeout(ctx, o.navTimeout)
	defer cancel()

	if o.prober != nil {
		r, err := o.prober.Fetch(navCtx, url)
		if err != nil {
			o.logger.Debug("orchestrator: http probe failed", "url", url, "error", err)
		} else {
			a.target.StatusCode = r.StatusCode
			a.target.Header = r.Header
		}
	}

	p, err := o.opener.Open(navCtx)
	if err != nil {
		return &NavigationError{URL: url, Err: err}
	}
	a.page = p
	if err := p.Navigate(navCtx, url); err != nil {
		return &NavigationError{URL: url, Err: err}
	}
	o.step(ctx, a, StateNavigated, start, "ok",
		map[string]string{"url": url},
		map[string]any{"finalUrl": p.URL(), "status": a.target.StatusCode})
	return nil
}

func (o *Orchestrator) scan(ctx context.Context, a *attempt) {
	start := o.now()
	findings := o.scanner.Scan(ctx, a.page, a.target)
	a.res.Findings = findings
	if o.recorder != nil && a.attemptID != "" && len(findings) > 0 {
		if err := o.recorder.RecordDefenses(ctx, a.attemptID, a.siteID, findings); err != nil {
			o.logger.Warn("orchestrator: record defenses failed", "error", err)
		}
	}
	o.step(ctx, a, StateScanned, start, "ok",
		map[string]any{"status": a.target.StatusCode},
		map[string]any{"findings": findings, "difficulty": defense.DifficultyScore(findings)})
}

func (o *Orchestrator) analyze(ctx context.Context, a *attempt) error {
	start := o.now()
	st, err := Inspect(ctx, a.page)
	if err != nil {
		return fmt.Errorf("inspect page: %w", err)
	}
	a.res.Structure = &st
	if ok, reason := st.Plausible(); !ok {
		return &AnalysisInconclusive{Reason: reason}
	}
	o.step(ctx, a, StateAnalyzed, start, "ok", nil, st)
	return nil
}

func (o *Orchestrator) fillForm(ctx context.Context, a *attempt) error {
	start := o.now()
	persona := o.personas.Persona(a.acct)
	rep, err := o.fill(ctx, a.page, persona, a.acct)
	a.res.Fill = &rep
	a.res.FieldsFilled = len(rep.Filled)
	if err != nil {
		return err
	}
	o.step(ctx, a, StateFilled, start, "ok",
		map[string]any{"fields": len(o.fields)}, rep)
	return nil
}

func (o *Orchestrator) decide(ctx context.Context, a *attempt) {
	start := o.now()
	v := Decide(a.res.Findings, a.res.FieldsFilled, o.allow.Allowed(a.res.Site.URL))
	if !v.Submit {
		o.finish(ctx, a, start, v.Outcome, v.Message, nil)
		return
	}

	sel, ok := page.FirstVisible(ctx, a.page, o.submitSelectors)
	if !ok {
		o.finish(ctx, a, start, OutcomeFailed, "no visible submit button", nil)
		return
	}
	if err := a.page.Click(ctx, sel); err != nil {
		o.finish(ctx, a, start, OutcomeFailed, fmt.Sprintf("submit: %v", err), err)
		return
	}
	a.res.Submitted = true
	if err := o.sleep(ctx, o.submitWait); err != nil {
		o.finish(ctx, a, start, OutcomeFailed, err.Error(), err)
		return
	}
	ok, err := o.success(ctx, a.page)
	switch {
	case err != nil:
		o.finish(ctx, a, start, OutcomeFailed, fmt.Sprintf("judge submission: %v", err), err)
	case ok:
		o.finish(ctx, a, start, OutcomeSuccess, "registration submitted", nil)
	default:
		o.finish(ctx, a, start, OutcomeFailed, "submitted but no confirmation detected", nil)
	}
}

// fail jumps to Decided from any state. A blocking finding already on the
// attempt turns the failure into Blocked.
func (o *Orchestrator) fail(ctx context.Context, a *attempt, err error) {
	if top, ok := defense.Blocking(a.res.Findings); ok {
		o.logger.Debug("orchestrator: failure superseded by blocking defense",
			"site", a.res.Site.URL, "defense", top.String(), "error", err)
		v := Decide(a.res.Findings, a.res.FieldsFilled, false)
		o.finish(ctx, a, o.now(), v.Outcome, v.Message, nil)
		return
	}
	o.finish(ctx, a, o.now(), OutcomeFailed, err.Error(), err)
}

func (o *Orchestrator) finish(ctx context.Context, a *attempt, since time.Time, out Outcome, msg string, cause error) {
	a.decided = true
	a.res.Outcome = out
	a.res.Message = msg
	a.res.Err = cause
	a.res.Difficulty = defense.DifficultyScore(a.res.Findings)
	a.res.Duration = o.now().Sub(a.started)

	// Persistence outlives a cancelled attempt.
	pctx := context.WithoutCancel(ctx)
	o.step(pctx, a, StateDecided, since, string(out),
		map[string]any{"fieldsFilled": a.res.FieldsFilled, "allowed": o.allow.Allowed(a.res.Site.URL)},
		map[string]any{"outcome": out, "message": msg, "submitted": a.res.Submitted})
	if o.recorder != nil && a.attemptID != "" {
		if err := o.recorder.FinishAttempt(pctx, a.attemptID, string(out), a.res.FieldsFilled, msg); err != nil {
			o.logger.Warn("orchestrator: finish attempt failed", "error", err)
		}
	}
	if o.recorder != nil && a.siteID != "" {
		if err := o.recorder.RecordSiteResult(pctx, a.siteID, out == OutcomeSuccess, a.res.Difficulty); err != nil {
			o.logger.Warn("orchestrator: update site failed", "error", err)
		}
	}
	if o.observer != nil {
		o.observer.ObserveAttempt(string(out))
	}

	lvl := slog.LevelInfo
	if out != OutcomeSuccess {
		lvl = slog.LevelWarn
	}
	o.logger.Log(ctx, lvl, "orchestrator: attempt decided",
		"site", a.res.Site.URL, "email", a.res.Email, "outcome", out,
		"message", msg, "fields", a.res.FieldsFilled, "findings", len(a.res.Findings))
}

// pace waits a random think time.
func (o *Orchestrator) pace(ctx context.Context) error {
	d := o.paceMin
	if span := o.paceMax - o.paceMin; span > 0 {
		d += mrand.N(span)
	}
	return o.sleep(ctx, d)
}
