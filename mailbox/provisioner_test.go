package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name  string
	tier  Tier
	addrs []string
	err   error

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Tier() Tier   { return f.tier }

func (f *fakeProvider) CreateAccount(_ context.Context, _ *Session) (*Created, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	addr := f.addrs[min(f.calls-1, len(f.addrs)-1)]
	return &Created{Address: addr, InboxURL: "http://" + f.name + "/inbox", SessionData: map[string]string{"k": "v"}}, nil
}

func (f *fakeProvider) CheckInbox(context.Context, *Session) ([]Message, error) { return nil, nil }

func (f *fakeProvider) OpenVerificationLink(context.Context, *Session, int) (VerificationLink, error) {
	return VerificationLink{}, nil
}

func ok(name string, tier Tier, addr string) *fakeProvider {
	return &fakeProvider{name: name, tier: tier, addrs: []string{addr}}
}

func failing(name string, tier Tier) *fakeProvider {
	return &fakeProvider{name: name, tier: tier, err: errors.New("boom")}
}

type fakeHistory struct {
	mu       sync.Mutex
	existing map[string]string
	saveErr  error
	saved    []string
}

func newHistory(existing ...string) *fakeHistory {
	h := &fakeHistory{existing: make(map[string]string)}
	for i, a := range existing {
		h.existing[a] = fmt.Sprintf("old-%d", i)
	}
	return h
}

func (h *fakeHistory) AccountExists(_ context.Context, address string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.existing[address]
	return ok, nil
}

func (h *fakeHistory) SaveAccount(_ context.Context, a *Account) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.saveErr != nil {
		return "", h.saveErr
	}
	if id, ok := h.existing[a.Address]; ok {
		return id, nil
	}
	id := fmt.Sprintf("id-%d", len(h.saved))
	h.existing[a.Address] = id
	h.saved = append(h.saved, a.Address)
	return id, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

type fakeRotator struct {
	next     string
	excluded [][]string
}

func (r *fakeRotator) Next(_ context.Context, exclude []string) (string, bool) {
	r.excluded = append(r.excluded, exclude)
	return r.next, r.next != ""
}

func newProvisioner(t *testing.T, providers []Provider, opts ...Option) (*Provisioner, *sleepRecorder) {
	t.Helper()
	reg, err := NewRegistry(providers...)
	require.NoError(t, err)
	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	return NewProvisioner(reg, NewSessions(nil), opts...), rec
}

func TestAcquire_AutoPrefersEasy(t *testing.T) {
	hard := ok("hard", TierHard, "h@hard.test")
	medium := ok("medium", TierMedium, "m@medium.test")
	easy := ok("easy", TierEasy, "e@easy.test")
	p, rec := newProvisioner(t, []Provider{hard, medium, easy}, WithHistory(newHistory()))

	acct, err := p.Acquire(context.Background(), AutoHint)
	require.NoError(t, err)
	assert.Equal(t, "e@easy.test", acct.Address)
	assert.Equal(t, "easy", acct.Provider)
	assert.Equal(t, TierEasy, acct.Tier)
	assert.Equal(t, StatusActive, acct.Status)
	assert.Equal(t, "id-0", acct.ID)
	assert.NotEmpty(t, acct.SessionID)
	assert.False(t, acct.Duplicate)
	assert.Empty(t, rec.delays)
	assert.Equal(t, 0, hard.calls)
}

func TestAcquire_SwitchesOnFailureWithBackoff(t *testing.T) {
	p, rec := newProvisioner(t, []Provider{
		failing("e1", TierEasy), failing("m1", TierMedium), ok("h1", TierHard, "x@h1.test"),
	})

	acct, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "h1", acct.Provider)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.delays)
	assert.Equal(t, []string{"e1", "m1"}, p.Tried().List())
}

func TestAcquire_UnknownHintRejectedUpFront(t *testing.T) {
	e := ok("easy", TierEasy, "e@easy.test")
	p, _ := newProvisioner(t, []Provider{e})

	_, err := p.Acquire(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownProvider)
	assert.Equal(t, 0, e.calls)
}

func TestAcquire_NamedHintFirst(t *testing.T) {
	p, _ := newProvisioner(t, []Provider{ok("easy", TierEasy, "e@e.test"), ok("hard", TierHard, "h@h.test")})
	acct, err := p.Acquire(context.Background(), "hard")
	require.NoError(t, err)
	assert.Equal(t, "hard", acct.Provider)
}

func TestAcquire_AtMostFiveAttempts(t *testing.T) {
	var ps []Provider
	for i := 0; i < 7; i++ {
		ps = append(ps, failing(fmt.Sprintf("p%d", i), TierEasy))
	}
	p, rec := newProvisioner(t, ps)

	_, err := p.Acquire(context.Background(), AutoHint)
	var pe *ProvisionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 5, pe.Attempts)
	assert.Len(t, pe.Errs, 5)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second}, rec.delays)
	for _, prov := range ps[5:] {
		assert.Equal(t, 0, prov.(*fakeProvider).calls)
	}
}

func TestAcquire_DuplicateSwitchesProvider(t *testing.T) {
	hist := newHistory("taken@easy.test")
	p, _ := newProvisioner(t, []Provider{
		ok("easy", TierEasy, "taken@easy.test"), ok("medium", TierMedium, "fresh@medium.test"),
	}, WithHistory(hist))

	acct, err := p.Acquire(context.Background(), AutoHint)
	require.NoError(t, err)
	assert.Equal(t, "fresh@medium.test", acct.Address)
	assert.False(t, acct.Duplicate)
	assert.Equal(t, []string{"fresh@medium.test"}, hist.saved)
	// The duplicate session is released; only the returned one stays open.
	assert.Equal(t, 1, p.sessions.Len())
}

func TestAcquire_ExhaustedReturnsDuplicateFlagged(t *testing.T) {
	hist := newHistory("a@x.test", "b@y.test")
	p, _ := newProvisioner(t, []Provider{
		ok("x", TierEasy, "a@x.test"), ok("y", TierMedium, "b@y.test"),
	}, WithHistory(hist))

	acct, err := p.Acquire(context.Background(), AutoHint)
	require.NoError(t, err)
	assert.True(t, acct.Duplicate)
	assert.Equal(t, "a@x.test", acct.Address)
	assert.Equal(t, "old-0", acct.ID)
}

func TestAcquire_PersistenceFailureIsNotFatal(t *testing.T) {
	hist := newHistory()
	hist.saveErr = errors.New("disk full")
	p, _ := newProvisioner(t, []Provider{ok("easy", TierEasy, "e@e.test")}, WithHistory(hist))

	acct, err := p.Acquire(context.Background(), AutoHint)
	require.NoError(t, err)
	assert.Equal(t, "e@e.test", acct.Address)
	assert.Empty(t, acct.ID)
}

func TestAcquire_Rotator(t *testing.T) {
	rot := &fakeRotator{next: "medium"}
	p, _ := newProvisioner(t, []Provider{ok("easy", TierEasy, "e@e.test"), ok("medium", TierMedium, "m@m.test")}, WithRotator(rot))

	acct, err := p.Acquire(context.Background(), AutoHint)
	require.NoError(t, err)
	assert.Equal(t, "medium", acct.Provider)
	assert.Equal(t, [][]string{{}}, rot.excluded)

	rot.next = "ghost"
	acct, err = p.Acquire(context.Background(), AutoHint)
	require.NoError(t, err)
	assert.Equal(t, "easy", acct.Provider)
}

func TestAcquire_TriedSetDeprioritises(t *testing.T) {
	shared := NewTriedSet()
	shared.Add("easy1")
	p, _ := newProvisioner(t, []Provider{
		ok("easy1", TierEasy, "a@1.test"), ok("easy2", TierEasy, "b@2.test"),
	}, WithTriedSet(shared))

	acct, err := p.Acquire(context.Background(), AutoHint)
	require.NoError(t, err)
	assert.Equal(t, "easy2", acct.Provider)
}

func TestAcquire_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reg, err := NewRegistry(failing("a", TierEasy), failing("b", TierEasy))
	require.NoError(t, err)
	p := NewProvisioner(reg, NewSessions(nil))

	_, err = p.Acquire(ctx, AutoHint)
	var pe *ProvisionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 1, pe.Attempts)
}

func TestRegistry(t *testing.T) {
	_, err := NewRegistry(ok("a", TierEasy, "x@a.test"), ok("a", TierEasy, "y@a.test"))
	assert.Error(t, err)

	r, err := NewRegistry(ok("b", TierEasy, "x@b.test"), ok("a", TierHard, "x@a.test"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, r.Names())
	_, found := r.Get("a")
	assert.True(t, found)
	assert.Equal(t, 2, r.Len())
}
