// Package mailbox provisions disposable mailboxes. Providers are looked up
// in an explicit Registry, each acquisition runs in a Session from a
// per-run Sessions registry, and the Provisioner applies the retry,
// provider-switching and deduplication policy across them.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tier is how hard a provider is to automate.
type Tier string

const (
	TierEasy   Tier = "easy"
	TierMedium Tier = "medium"
	TierHard   Tier = "hard"
)

func (t Tier) rank() int {
	switch t {
	case TierEasy:
		return 0
	case TierMedium:
		return 1
	default:
		return 2
	}
}

// Status is the lifecycle state of an account. Accounts are closed, never
// deleted.
type Status string

const (
	StatusActive   Status = "active"
	StatusVerified Status = "verified"
	StatusClosed   Status = "closed"
)

// Account is a provisioned mailbox.
type Account struct {
	ID          string            `json:"id,omitempty"`
	Address     string            `json:"address"`
	Provider    string            `json:"provider"`
	Tier        Tier              `json:"tier"`
	CreatedAt   time.Time         `json:"createdAt"`
	Status      Status            `json:"status"`
	SessionData map[string]string `json:"-"`
	Password    string            `json:"-"`
	InboxURL    string            `json:"inboxUrl,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	// Duplicate is set only when every provider was exhausted and the
	// address returned already existed in history.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Created is what a provider reports for a new address.
type Created struct {
	Address     string
	Password    string
	InboxURL    string
	SessionData map[string]string
}

// Message is one inbox entry.
type Message struct {
	Sender    string    `json:"sender"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
}

// VerificationLink is the result of opening a verification mail.
type VerificationLink struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
}

// Provider is one disposable-mail service.
type Provider interface {
	Name() string
	Tier() Tier
	// CreateAccount obtains a fresh address in session s.
	CreateAccount(ctx context.Context, s *Session) (*Created, error)
	CheckInbox(ctx context.Context, s *Session) ([]Message, error)
	// OpenVerificationLink opens the link in the message at index.
	OpenVerificationLink(ctx context.Context, s *Session, index int) (VerificationLink, error)
}

// ErrUnknownProvider is returned for a provider name not in the registry.
var ErrUnknownProvider = errors.New("mailbox: unknown provider")

// Registry maps provider names to providers, in registration order.
type Registry struct {
	byName map[string]Provider
	order  []string
}

// NewRegistry registers ps in order.
func NewRegistry(ps ...Provider) (*Registry, error) {
	r := &Registry{byName: make(map[string]Provider)}
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p. Names must be unique.
func (r *Registry) Register(p Provider) error {
	name := p.Name()
	if name == "" {
		return errors.New("mailbox: provider with empty name")
	}
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("mailbox: provider %q registered twice", name)
	}
	r.byName[name] = p
	r.order = append(r.order, name)
	return nil
}

// Get looks up a provider.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names lists providers in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len is the number of registered providers.
func (r *Registry) Len() int { return len(r.order) }

// ProvisionError means no provider produced a usable address.
type ProvisionError struct {
	Hint     string
	Attempts int
	Errs     []error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("mailbox: provisioning failed after %d attempts (hint %q): %v",
		e.Attempts, e.Hint, errors.Join(e.Errs...))
}

func (e *ProvisionError) Unwrap() []error { return e.Errs }
