package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hazyhaar/regprobe/kit"
)

// AutoHint lets the provisioner pick the provider.
const AutoHint = "auto"

// History is the persisted account log used for deduplication.
type History interface {
	AccountExists(ctx context.Context, address string) (bool, error)
	// SaveAccount persists a and returns its id. Saving an address that
	// already exists returns the existing id.
	SaveAccount(ctx context.Context, a *Account) (string, error)
}

// Rotator is an external rotation policy. Next returns the provider to
// try, given the names that must not be used.
type Rotator interface {
	Next(ctx context.Context, exclude []string) (string, bool)
}

// Observer is told the outcome of every provider attempt
// ("ok", "failed", "duplicate").
type Observer interface {
	ObserveProvision(provider, outcome string)
}

// Provisioner acquires mailboxes across the registered providers.
type Provisioner struct {
	registry    *Registry
	sessions    *Sessions
	history     History
	rotator     Rotator
	tried       *TriedSet
	maxAttempts int
	backoff     time.Duration
	sleep       func(context.Context, time.Duration) error
	now         func() time.Time
	observer    Observer
	logger      *slog.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithHistory enables deduplication and persistence.
func WithHistory(h History) Option { return func(p *Provisioner) { p.history = h } }

// WithRotator delegates "auto" selection to r.
func WithRotator(r Rotator) Option { return func(p *Provisioner) { p.rotator = r } }

// WithTriedSet shares a tried-providers set between provisioners.
func WithTriedSet(t *TriedSet) Option { return func(p *Provisioner) { p.tried = t } }

// WithMaxAttempts caps provider attempts per Acquire. Default 5.
func WithMaxAttempts(n int) Option { return func(p *Provisioner) { p.maxAttempts = n } }

// WithBackoff sets the per-attempt backoff unit. Default 2s; attempt n
// waits n units after failing.
func WithBackoff(d time.Duration) Option { return func(p *Provisioner) { p.backoff = d } }

// WithSleep replaces the context-aware sleep (tests).
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(p *Provisioner) { p.sleep = fn }
}

// WithClock sets the clock used for CreatedAt.
func WithClock(now func() time.Time) Option { return func(p *Provisioner) { p.now = now } }

// WithObserver reports attempt outcomes.
func WithObserver(o Observer) Option { return func(p *Provisioner) { p.observer = o } }

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(p *Provisioner) { p.logger = l } }

// NewProvisioner returns a Provisioner over registry, opening sessions in
// sessions.
func NewProvisioner(registry *Registry, sessions *Sessions, opts ...Option) *Provisioner {
	p := &Provisioner{
		registry:    registry,
		sessions:    sessions,
		tried:       NewTriedSet(),
		maxAttempts: 5,
		backoff:     2 * time.Second,
		sleep:       kit.Sleep,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Tried exposes the shared tried-providers set.
func (p *Provisioner) Tried() *TriedSet { return p.tried }

// Acquire returns a fresh mailbox. hint is AutoHint (or "") to let the
// policy choose, or a provider name to try first. A failed or duplicate
// attempt switches to another provider. When every provider is exhausted
// and only duplicates were found, the first duplicate is returned with
// Duplicate set.
func (p *Provisioner) Acquire(ctx context.Context, hint string) (*Account, error) {
	hint = strings.TrimSpace(hint)
	named := hint != "" && hint != AutoHint
	if named {
		if _, ok := p.registry.Get(hint); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, hint)
		}
	}

	attempted := make(map[string]bool)
	var (
		errs      []error
		duplicate *Account
		attempts  int
	)

	for attempts < p.maxAttempts {
		name := ""
		if named && attempts == 0 {
			name = hint
		} else {
			name = p.pick(ctx, attempted)
		}
		if name == "" {
			break
		}
		if attempts > 0 {
			if err := p.sleep(ctx, p.backoff*time.Duration(attempts)); err != nil {
				errs = append(errs, err)
				break
			}
		}
		attempts++
		attempted[name] = true

		acct, err := p.try(ctx, name)
		if err != nil {
			p.tried.Add(name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			p.observe(name, "failed")
			p.logger.Warn("mailbox: provider failed",
				"provider", name, "attempt", attempts, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if p.isDuplicate(ctx, acct.Address) {
			p.observe(name, "duplicate")
			p.logger.Warn("mailbox: duplicate address, switching provider",
				"provider", name, "address", acct.Address)
			if duplicate == nil {
				acct.Duplicate = true
				duplicate = acct
			} else {
				_ = p.sessions.Close(acct.SessionID)
			}
			continue
		}

		p.persist(ctx, acct)
		if duplicate != nil {
			_ = p.sessions.Close(duplicate.SessionID)
		}
		p.observe(name, "ok")
		p.logger.Info("mailbox: acquired",
			"provider", name, "address", acct.Address, "attempts", attempts)
		return acct, nil
	}

	if duplicate != nil {
		p.persist(ctx, duplicate)
		p.logger.Warn("mailbox: providers exhausted, returning duplicate",
			"provider", duplicate.Provider, "address", duplicate.Address)
		return duplicate, nil
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no provider available"))
	}
	return nil, &ProvisionError{Hint: hint, Attempts: attempts, Errs: errs}
}

// pick chooses the next provider not attempted in this call: the rotator's
// choice when it has one, else easy before medium in registration order,
// providers already in the tried set after fresh ones, hard providers last.
func (p *Provisioner) pick(ctx context.Context, attempted map[string]bool) string {
	if p.rotator != nil {
		exclude := make([]string, 0, len(attempted))
		for n := range attempted {
			exclude = append(exclude, n)
		}
		slices.Sort(exclude)
		if name, ok := p.rotator.Next(ctx, exclude); ok && !attempted[name] {
			if _, known := p.registry.Get(name); known {
				return name
			}
			p.logger.Warn("mailbox: rotator returned unknown provider", "provider", name)
		}
	}

	type candidate struct {
		name  string
		rank  int
		order int
	}
	var cands []candidate
	for i, name := range p.registry.Names() {
		if attempted[name] {
			continue
		}
		prov, _ := p.registry.Get(name)
		// easy=0 medium=1, +2 once in the tried set; hard=4, +1 once tried.
		rank := prov.Tier().rank()
		switch {
		case prov.Tier() == TierHard || rank >= TierHard.rank():
			rank = 4
			if p.tried.Has(name) {
				rank++
			}
		case p.tried.Has(name):
			rank += 2
		}
		cands = append(cands, candidate{name: name, rank: rank, order: i})
	}
	if len(cands) == 0 {
		return ""
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		if a.rank != b.rank {
			return a.rank - b.rank
		}
		return a.order - b.order
	})
	return cands[0].name
}

func (p *Provisioner) try(ctx context.Context, name string) (*Account, error) {
	prov, _ := p.registry.Get(name)
	sess, err := p.sessions.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	created, err := prov.CreateAccount(ctx, sess)
	if err == nil && (created == nil || strings.TrimSpace(created.Address) == "") {
		err = errors.New("provider returned no address")
	}
	if err != nil {
		_ = p.sessions.Close(sess.ID)
		return nil, err
	}
	sess.Address = created.Address
	for k, v := range created.SessionData {
		sess.Data[k] = v
	}
	return &Account{
		Address:     strings.TrimSpace(created.Address),
		Provider:    name,
		Tier:        prov.Tier(),
		CreatedAt:   p.now().UTC(),
		Status:      StatusActive,
		SessionData: created.SessionData,
		Password:    created.Password,
		InboxURL:    created.InboxURL,
		SessionID:   sess.ID,
	}, nil
}

func (p *Provisioner) isDuplicate(ctx context.Context, address string) bool {
	if p.history == nil {
		return false
	}
	exists, err := p.history.AccountExists(ctx, address)
	if err != nil {
		p.logger.Warn("mailbox: history lookup failed", "address", address, "error", err)
		return false
	}
	return exists
}

// persist saves a; failures are logged and the in-memory account stays
// usable.
func (p *Provisioner) persist(ctx context.Context, a *Account) {
	if p.history == nil {
		return
	}
	id, err := p.history.SaveAccount(ctx, a)
	if err != nil {
		p.logger.Error("mailbox: persist account failed",
			"provider", a.Provider, "address", a.Address, "error", err)
		return
	}
	a.ID = id
}

func (p *Provisioner) observe(provider, outcome string) {
	if p.observer != nil {
		p.observer.ObserveProvision(provider, outcome)
	}
}
