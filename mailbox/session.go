package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/regprobe/idgen"
	"github.com/hazyhaar/regprobe/page"
)

// Session is one provider interaction. It owns its page.
type Session struct {
	ID       string
	Provider string
	Page     page.Page
	Address  string
	OpenedAt time.Time
	Data     map[string]string
}

// Sessions is the per-run registry of open sessions. It is owned by the
// engine and passed explicitly.
type Sessions struct {
	mu     sync.Mutex
	opener page.Opener
	newID  idgen.Generator
	open   map[string]*Session
}

// NewSessions returns an empty registry. A nil opener yields sessions
// without a page, for providers that do not drive a browser.
func NewSessions(opener page.Opener) *Sessions {
	return &Sessions{
		opener: opener,
		newID:  idgen.Prefixed("sess_", idgen.Default),
		open:   make(map[string]*Session),
	}
}

// Open starts a session for provider, opening a fresh page.
func (s *Sessions) Open(ctx context.Context, provider string) (*Session, error) {
	sess := &Session{
		ID:       s.newID(),
		Provider: provider,
		OpenedAt: time.Now(),
		Data:     make(map[string]string),
	}
	if s.opener != nil {
		p, err := s.opener.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("mailbox: open session page: %w", err)
		}
		sess.Page = p
	}
	s.mu.Lock()
	s.open[sess.ID] = sess
	s.mu.Unlock()
	return sess, nil
}

// Get returns an open session.
func (s *Sessions) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.open[id]
	return sess, ok
}

// Close closes one session and its page. Unknown ids are a no-op.
func (s *Sessions) Close(id string) error {
	s.mu.Lock()
	sess, ok := s.open[id]
	delete(s.open, id)
	s.mu.Unlock()
	if !ok || sess.Page == nil {
		return nil
	}
	return sess.Page.Close()
}

// CloseAll closes every open session.
func (s *Sessions) CloseAll() error {
	s.mu.Lock()
	all := s.open
	s.open = make(map[string]*Session)
	s.mu.Unlock()

	var errs []error
	for _, sess := range all {
		if sess.Page != nil {
			if err := sess.Page.Close(); err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Len is the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}
