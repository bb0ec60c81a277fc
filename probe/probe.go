// Package probe wires the mailbox provisioner, the analyzer, the defense
// classifier and the registration orchestrator into one Engine backed by
// the correlation store, and exposes its inspection operations as MCP
// tools and an ops HTTP handler.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hazyhaar/regprobe/analyzer"
	"github.com/hazyhaar/regprobe/browser"
	"github.com/hazyhaar/regprobe/defense"
	"github.com/hazyhaar/regprobe/fetcher"
	"github.com/hazyhaar/regprobe/kit"
	"github.com/hazyhaar/regprobe/mailbox"
	"github.com/hazyhaar/regprobe/metrics"
	"github.com/hazyhaar/regprobe/orchestrator"
	"github.com/hazyhaar/regprobe/page"
	"github.com/hazyhaar/regprobe/reasoning"
	"github.com/hazyhaar/regprobe/store"
)

// Engine is one regprobe run: a store, a page source, the providers and
// the orchestrator sharing them.
type Engine struct {
	cfg    *Config
	logger *slog.Logger

	store     *store.Store
	ownsStore bool
	browser   *browser.Manager
	opener    page.Opener

	allow    *orchestrator.AllowList
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	fetcher     *fetcher.Fetcher
	reasoner    *reasoning.Client
	analyzer    *analyzer.Analyzer
	classifier  *defense.Classifier
	providers   *mailbox.Registry
	sessions    *mailbox.Sessions
	provisioner *mailbox.Provisioner
	orch        *orchestrator.Orchestrator

	sleep   func(context.Context, time.Duration) error
	started time.Time

	// construction-only inputs
	httpClient *http.Client
	extra      []mailbox.Provider
	orchOpts   []orchestrator.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithStore uses st instead of opening cfg.DBPath. The caller keeps
// ownership and closes it.
func WithStore(st *store.Store) Option { return func(e *Engine) { e.store = st } }

// WithOpener replaces the browser (or static) page source.
func WithOpener(o page.Opener) Option { return func(e *Engine) { e.opener = o } }

// WithHTTPClient sets the client used by the fetcher and the reasoning
// backend.
func WithHTTPClient(c *http.Client) Option { return func(e *Engine) { e.httpClient = c } }

// WithProviders registers ps in place of the configured page providers.
func WithProviders(ps ...mailbox.Provider) Option {
	return func(e *Engine) { e.extra = append(e.extra, ps...) }
}

// WithOrchestratorOptions appends options after the ones derived from the
// config.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(e *Engine) { e.orchOpts = append(e.orchOpts, opts...) }
}

// WithSleep replaces the context-aware sleep used between provisioning
// rounds and inbox polls (tests).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// New builds an Engine from cfg. A nil cfg uses the defaults.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()

	e := &Engine{
		cfg:     cfg,
		logger:  slog.Default(),
		sleep:   kit.Sleep,
		started: time.Now(),
	}
	for _, o := range opts {
		o(e)
	}

	if e.store == nil {
		st, err := store.Open(cfg.DBPath, store.WithSecret(os.Getenv(cfg.SecretEnv)))
		if err != nil {
			return nil, fmt.Errorf("probe: open store: %w", err)
		}
		e.store = st
		e.ownsStore = true
	}

	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.metrics = metrics.New(e.registry)

	fopts := []fetcher.Option{fetcher.WithLogger(e.logger)}
	if cfg.UserAgent != "" {
		fopts = append(fopts, fetcher.WithUserAgent(cfg.UserAgent))
	}
	if e.httpClient != nil {
		fopts = append(fopts, fetcher.WithClient(e.httpClient))
	}
	e.fetcher = fetcher.New(fopts...)

	if e.opener == nil {
		if cfg.Static {
			e.opener = page.OpenerFunc(func(context.Context) (page.Page, error) {
				return page.NewStatic("about:blank", "", page.WithLoader(e.fetcher.LoadHTML))
			})
		} else {
			bcfg := cfg.Browser
			bcfg.Logger = e.logger
			e.browser = browser.NewManager(bcfg)
			e.opener = e.browser
		}
	}

	ropts := []reasoning.Option{reasoning.WithLogger(e.logger), reasoning.WithObserver(e.metrics)}
	if e.httpClient != nil {
		ropts = append(ropts, reasoning.WithHTTPClient(e.httpClient))
	}
	rc, err := reasoning.New(cfg.Reasoning, ropts...)
	if err != nil {
		e.closeOwned()
		return nil, fmt.Errorf("probe: reasoning: %w", err)
	}
	e.reasoner = rc

	aopts := []analyzer.Option{analyzer.WithLogger(e.logger), analyzer.WithObserver(e.metrics)}
	if rc.Enabled() {
		aopts = append(aopts, analyzer.WithReasoner(rc))
	} else {
		e.logger.Info("probe: reasoning disabled, using heuristic plans")
	}
	e.analyzer = analyzer.New(aopts...)

	e.classifier = defense.New(
		defense.WithTaxonomy(defense.Extend(defense.DefaultTaxonomy(), cfg.Defense.Extra)),
		defense.WithObserver(e.metrics),
		defense.WithLogger(e.logger),
	)

	if err := e.buildProviders(); err != nil {
		e.closeOwned()
		return nil, err
	}
	e.sessions = mailbox.NewSessions(e.opener)
	e.provisioner = mailbox.NewProvisioner(e.providers, e.sessions,
		mailbox.WithHistory(e.store),
		mailbox.WithMaxAttempts(cfg.Provision.MaxAttempts),
		mailbox.WithBackoff(cfg.Provision.Backoff),
		mailbox.WithObserver(e.metrics),
		mailbox.WithLogger(e.logger),
	)

	e.allow = orchestrator.NewAllowList(cfg.AllowList...)
	oopts := []orchestrator.Option{
		orchestrator.WithProber(e.fetcher),
		orchestrator.WithRecorder(e.store),
		orchestrator.WithAllowList(e.allow),
		orchestrator.WithNavigationTimeout(cfg.Pacing.NavigationTimeout),
		orchestrator.WithSubmitWait(cfg.Pacing.SubmitWait),
		orchestrator.WithPacing(cfg.Pacing.Min, cfg.Pacing.Max),
		orchestrator.WithConcurrency(cfg.Concurrency),
		orchestrator.WithObserver(e.metrics),
		orchestrator.WithLogger(e.logger),
	}
	e.orch = orchestrator.New(e.opener, e.classifier, append(oopts, e.orchOpts...)...)

	e.logger.Info("probe: engine ready",
		"providers", e.providers.Names(), "static", cfg.Static,
		"reasoning", rc.Enabled(), "allow_list", cfg.AllowList)
	return e, nil
}

func (e *Engine) buildProviders() error {
	reg, err := mailbox.NewRegistry(e.extra...)
	if err != nil {
		return fmt.Errorf("probe: providers: %w", err)
	}
	e.providers = reg
	if len(e.extra) > 0 {
		return nil
	}
	pcs, err := e.cfg.providerConfigs()
	if err != nil {
		return err
	}
	for _, pc := range pcs {
		pp, err := mailbox.NewPageProvider(pc, e.analyzer)
		if err != nil {
			return fmt.Errorf("probe: providers: %w", err)
		}
		if err := reg.Register(pp); err != nil {
			return fmt.Errorf("probe: providers: %w", err)
		}
	}
	return nil
}

// Store returns the correlation store.
func (e *Engine) Store() *store.Store { return e.store }

// Registry returns the Prometheus registry the engine reports to.
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// Provision acquires one mailbox. A ProvisionError is retried for
// cfg.Provision.Rounds rounds, waiting RoundBackoff × round in between;
// the tried-providers set is cleared before each retry.
func (e *Engine) Provision(ctx context.Context, hint string) (*mailbox.Account, error) {
	rounds := e.cfg.Provision.Rounds
	var last error
	for round := 1; round <= rounds; round++ {
		acct, err := e.provisioner.Acquire(ctx, hint)
		if err == nil {
			return acct, nil
		}
		var pe *mailbox.ProvisionError
		if !errors.As(err, &pe) {
			return nil, err
		}
		last = err
		e.logger.Warn("probe: provisioning round failed",
			"round", round, "rounds", rounds, "attempts", pe.Attempts, "error", err)
		if round == rounds {
			break
		}
		if err := e.sleep(ctx, e.cfg.Provision.RoundBackoff*time.Duration(round)); err != nil {
			return nil, errors.Join(last, err)
		}
		e.provisioner.Tried().Reset()
	}
	return nil, last
}

// ProvisionN acquires n mailboxes. It stops at the first failure and
// returns the ones acquired so far with the error.
func (e *Engine) ProvisionN(ctx context.Context, n int, hint string) ([]*mailbox.Account, error) {
	out := make([]*mailbox.Account, 0, n)
	for range n {
		acct, err := e.Provision(ctx, hint)
		if err != nil {
			return out, err
		}
		out = append(out, acct)
	}
	return out, nil
}

// Run attempts every site with every account. Nil sites means the
// configured ones. Results of skipped units are nil.
func (e *Engine) Run(ctx context.Context, accounts []*mailbox.Account, sites []orchestrator.Site) []*orchestrator.Result {
	if sites == nil {
		sites = e.cfg.Sites
	}
	units := orchestrator.Units(accounts, sites)
	e.logger.Info("probe: run", "accounts", len(accounts), "sites", len(sites), "units", len(units))
	return e.orch.RunBatch(ctx, units)
}

// ErrNoVerificationMail means the inbox stayed empty for the whole
// polling window.
var ErrNoVerificationMail = errors.New("probe: no verification mail")

// VerifyMailbox polls the account's inbox, opens the verification link of
// the most likely message and marks the account verified when the link
// opened.
func (e *Engine) VerifyMailbox(ctx context.Context, acct *mailbox.Account) (mailbox.VerificationLink, error) {
	prov, ok := e.providers.Get(acct.Provider)
	if !ok {
		return mailbox.VerificationLink{}, fmt.Errorf("%w: %q", mailbox.ErrUnknownProvider, acct.Provider)
	}
	sess, ok := e.sessions.Get(acct.SessionID)
	if !ok {
		return mailbox.VerificationLink{}, fmt.Errorf("probe: no open session for %s", acct.Address)
	}

	var msgs []mailbox.Message
	for poll := range e.cfg.Verify.Polls {
		if poll > 0 {
			if err := e.sleep(ctx, e.cfg.Verify.Interval); err != nil {
				return mailbox.VerificationLink{}, err
			}
		}
		var err error
		msgs, err = prov.CheckInbox(ctx, sess)
		if err != nil {
			e.logger.Warn("probe: check inbox failed", "address", acct.Address, "poll", poll+1, "error", err)
			continue
		}
		if len(msgs) > 0 {
			break
		}
	}
	if len(msgs) == 0 {
		return mailbox.VerificationLink{}, ErrNoVerificationMail
	}

	link, err := prov.OpenVerificationLink(ctx, sess, verificationIndex(msgs))
	if err != nil {
		return link, fmt.Errorf("probe: open verification link: %w", err)
	}
	if !link.Success {
		return link, nil
	}
	if err := e.store.MarkVerified(context.WithoutCancel(ctx), acct.Address); err != nil {
		e.logger.Warn("probe: mark verified failed", "address", acct.Address, "error", err)
	}
	acct.Status = mailbox.StatusVerified
	e.logger.Info("probe: mailbox verified", "address", acct.Address, "url", link.URL)
	return link, nil
}

var verificationWords = []string{"verify", "verification", "confirm", "activate", "validate"}

// verificationIndex picks the first message whose subject looks like a
// verification mail, else the first message.
func verificationIndex(msgs []mailbox.Message) int {
	for i, m := range msgs {
		if containsAny(m.Subject, verificationWords) {
			return i
		}
	}
	return 0
}

// CloseAccount closes the account's session and marks it closed.
func (e *Engine) CloseAccount(ctx context.Context, acct *mailbox.Account) error {
	if err := e.sessions.Close(acct.SessionID); err != nil {
		e.logger.Debug("probe: close session", "session", acct.SessionID, "error", err)
	}
	if err := e.store.CloseAccount(ctx, acct.Address); err != nil {
		return err
	}
	acct.Status = mailbox.StatusClosed
	return nil
}

// Close releases sessions, the browser and an owned store.
func (e *Engine) Close() error {
	var errs []error
	if err := e.sessions.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, e.closeOwned())
	return errors.Join(errs...)
}

func (e *Engine) closeOwned() error {
	var errs []error
	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("probe: close browser: %w", err))
		}
	}
	if e.ownsStore && e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("probe: close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
