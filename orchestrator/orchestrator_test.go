package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/regprobe/dbopen"
	"github.com/hazyhaar/regprobe/defense"
	"github.com/hazyhaar/regprobe/fetcher"
	"github.com/hazyhaar/regprobe/mailbox"
	"github.com/hazyhaar/regprobe/page"
	"github.com/hazyhaar/regprobe/store"
)

const signupForm = `<html><head><title>Create your account</title></head><body>
<h1>Sign up</h1>
<form id="signup" action="/register" method="post">
  <input type="email" name="email">
  <input name="first_name">
  <input name="last_name">
  <input name="age" type="number">
  <select name="gender">
    <option value="female">Female</option><option value="male">Male</option><option value="other">Other</option>
  </select>
  <input name="zip">
  <input type="password" name="password">
  <label><input type="checkbox" name="terms"> I accept the terms</label>
  <button type="submit">Sign up</button>
</form>
%s
</body></html>`

const confirmed = `<html><body><h1>Welcome aboard!</h1><p>Please verify your email.</p></body></html>`

const shortForm = `<html><head><title>Newsletter</title></head><body>
<p>Register for our newsletter</p>
<form><input type="email" name="email"><button>Sign up</button></form>
</body></html>`

const article = `<html><head><title>Blog</title></head><body>
<article><h1>Ten facts about otters</h1><p>Otters hold hands while sleeping.</p></article>
</body></html>`

type site struct {
	mu      sync.Mutex
	docs    map[string]string
	onClick map[string]string
	pages   []*page.Static
	fail    error
}

func newSite() *site {
	return &site{docs: map[string]string{}, onClick: map[string]string{}}
}

func (s *site) Open(context.Context) (page.Page, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	var opts []page.StaticOption
	opts = append(opts, page.WithLoader(func(_ context.Context, url string) (string, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		doc, ok := s.docs[url]
		if !ok {
			return "", fmt.Errorf("dial %s: connection refused", url)
		}
		return doc, nil
	}))
	for sel, doc := range s.onClick {
		opts = append(opts, page.WithClickResult(sel, doc))
	}
	p, err := page.NewStatic("about:blank", "<html></html>", opts...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.pages = append(s.pages, p)
	s.mu.Unlock()
	return p, nil
}

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
	return nil
}

func fixedPersona() PersonaSource {
	return PersonaFunc(func(*mailbox.Account) Persona {
		return Persona{FirstName: "Alex", LastName: "Martin", Age: 30, Gender: "other", PostalCode: "75011", Password: "Rp-secret-7a!"}
	})
}

func acct(addr string) *mailbox.Account {
	return &mailbox.Account{Address: addr, Provider: "fake", Tier: mailbox.TierEasy, Status: mailbox.StatusActive}
}

func newOrch(t *testing.T, s *site, opts ...Option) (*Orchestrator, *sleeps) {
	t.Helper()
	sl := &sleeps{}
	base := []Option{WithSleep(sl.sleep), WithPersonas(fixedPersona())}
	return New(s, defense.New(), append(base, opts...)...), sl
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(dbopen.OpenMemory(t))
	require.NoError(t, err)
	return st
}

func TestDecide(t *testing.T) {
	recaptcha := defense.Finding{Type: "captcha", Subtype: "recaptcha", Severity: 8}
	honeypot := defense.Finding{Type: "honeypot", Subtype: "hidden_field", Severity: 5}

	cases := []struct {
		name     string
		findings []defense.Finding
		filled   int
		allowed  bool
		want     Outcome
		submit   bool
		message  string
	}{
		{"blocking finding", []defense.Finding{recaptcha}, 5, true, OutcomeBlocked, false, "recaptcha"},
		{"blocking beats missing fields", []defense.Finding{recaptcha}, 0, true, OutcomeBlocked, false, "captcha"},
		{"insufficient fields", nil, 2, true, OutcomeFailed, false, "insufficient fields (2/3 minimum)"},
		{"low severity and allowed", []defense.Finding{honeypot}, 4, true, "", true, ""},
		{"not allowed", nil, 4, false, OutcomeFailed, false, "not submitted to avoid abuse"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := Decide(c.findings, c.filled, c.allowed)
			assert.Equal(t, c.want, v.Outcome)
			assert.Equal(t, c.submit, v.Submit)
			assert.Contains(t, v.Message, c.message)
		})
	}
}

func TestDecide_Properties(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		var fs []defense.Finding
		top := 0
		for j := r.IntN(4); j > 0; j-- {
			sev := 1 + r.IntN(10)
			top = max(top, sev)
			fs = append(fs, defense.Finding{Type: "t", Subtype: "s", Severity: sev})
		}
		filled := r.IntN(8)
		allowed := r.IntN(2) == 0
		v := Decide(fs, filled, allowed)

		switch {
		case top >= defense.BlockingSeverity:
			require.Equal(t, OutcomeBlocked, v.Outcome)
		case filled < MinFields:
			require.Equal(t, OutcomeFailed, v.Outcome)
		}
		if v.Submit {
			require.True(t, allowed)
		}
		require.NotEqual(t, OutcomeSuccess, v.Outcome)
	}
}

func TestAllowList(t *testing.T) {
	a := NewAllowList("localhost", "*.sandbox.test", " Example.ORG ")
	assert.True(t, a.Allowed("http://localhost:8080/signup"))
	assert.True(t, a.Allowed("https://forms.sandbox.test/x"))
	assert.True(t, a.Allowed("https://example.org/"))
	assert.False(t, a.Allowed("https://sandbox.test.evil.com/"))
	assert.False(t, a.Allowed("https://evil.com/?next=localhost"))
	assert.False(t, a.Allowed("not a url"))
	assert.Len(t, a.Entries(), 3)

	var none *AllowList
	assert.False(t, none.Allowed("http://localhost/"))
	assert.True(t, DefaultAllowList().Allowed("http://127.0.0.1:5000/"))
}

func TestStructure_Plausible(t *testing.T) {
	cases := []struct {
		s      Structure
		ok     bool
		reason string
	}{
		{Structure{Forms: 1, Inputs: 3, Buttons: 1, EmailField: true}, true, ""},
		{Structure{Inputs: 2, Buttons: 1, Keyword: "register"}, true, ""},
		{Structure{Forms: 1, Buttons: 1, EmailField: true}, false, "no input fields"},
		{Structure{Forms: 1, Inputs: 2, Buttons: 1}, false, "no email field and no registration keyword"},
		{Structure{Inputs: 2, EmailField: true}, false, "no form and no button"},
	}
	for _, c := range cases {
		ok, reason := c.s.Plausible()
		assert.Equal(t, c.ok, ok, "%+v", c.s)
		assert.Equal(t, c.reason, reason)
	}
}

func TestRun_SuccessOnAllowedHost(t *testing.T) {
	s := newSite()
	s.docs["http://localhost/signup"] = fmt.Sprintf(signupForm, "")
	s.onClick["button[type=submit]"] = confirmed
	st := testStore(t)
	o, sl := newOrch(t, s, WithRecorder(st))

	a := acct("ada@mail.test")
	id, err := st.SaveAccount(context.Background(), a)
	require.NoError(t, err)
	a.ID = id

	res := o.Run(context.Background(), a, Site{Name: "local", URL: "http://localhost/signup"})

	assert.Equal(t, OutcomeSuccess, res.Outcome, res.Message)
	assert.Equal(t, StateDecided, res.State)
	assert.True(t, res.Submitted)
	assert.Equal(t, 7, res.FieldsFilled)
	assert.Empty(t, res.Findings)
	assert.Len(t, res.Fill.Checked, 1)
	assert.Equal(t, []string{"button[type=submit]"}, s.pages[0].Clicks()[len(s.pages[0].Clicks())-1:])
	assert.True(t, s.pages[0].Closed())

	// Six pauses between seven fills, then the submit settle time.
	require.Len(t, sl.d, 7)
	for _, d := range sl.d[:6] {
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
	assert.Equal(t, 3*time.Second, sl.d[6])

	got, err := st.GetAttempt(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, "success", got.Outcome)
	assert.Equal(t, 7, got.FieldsFilled)
	var steps []string
	for _, step := range got.Steps {
		steps = append(steps, step.Name)
	}
	assert.Equal(t, []string{"navigated", "scanned", "analyzed", "filled", "decided"}, steps)

	profile, err := st.GetSite(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, 1, profile.TotalAttempts)
	assert.Equal(t, 1, profile.SuccessfulAttempts)
	assert.Equal(t, 0.0, profile.DifficultyScore)
}

func TestRun_ReadyButNotSubmittedOffAllowList(t *testing.T) {
	s := newSite()
	s.docs["https://survey.example/join"] = fmt.Sprintf(signupForm, "")
	s.onClick["button[type=submit]"] = confirmed
	o, _ := newOrch(t, s)

	res := o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "https://survey.example/join"})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, notSubmitted, res.Message)
	assert.False(t, res.Submitted)
	assert.NotContains(t, s.pages[0].Clicks(), "button[type=submit]")
}

func TestRun_BlockedByCaptcha(t *testing.T) {
	s := newSite()
	s.docs["http://localhost/signup"] = fmt.Sprintf(signupForm, `<div class="g-recaptcha" data-sitekey="k"></div>`)
	s.onClick["button[type=submit]"] = confirmed
	st := testStore(t)
	o, _ := newOrch(t, s, WithRecorder(st))

	res := o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/signup"})

	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Contains(t, res.Message, "recaptcha")
	assert.Equal(t, 7, res.FieldsFilled)
	assert.False(t, res.Submitted)
	assert.Greater(t, res.Difficulty, 0.0)

	got, err := st.GetAttempt(context.Background(), res.AttemptID)
	require.NoError(t, err)
	require.NotEmpty(t, got.Defenses)
	assert.Equal(t, "recaptcha", got.Defenses[0].Subtype)
	assert.Empty(t, got.AccountID)
}

func TestRun_InsufficientFields(t *testing.T) {
	s := newSite()
	s.docs["http://localhost/news"] = shortForm
	o, _ := newOrch(t, s)

	res := o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/news"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "insufficient fields (1/3 minimum)", res.Message)
}

func TestRun_NotARegistrationForm(t *testing.T) {
	s := newSite()
	s.docs["http://localhost/blog"] = article
	o, _ := newOrch(t, s)

	res := o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/blog"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	var inc *AnalysisInconclusive
	require.True(t, errors.As(res.Err, &inc))
	assert.Equal(t, "no input fields", inc.Reason)
	assert.Equal(t, 0, res.FieldsFilled)
	assert.Nil(t, res.Fill)
}

const challengePage = `<html><head><title>Just a moment...</title></head><body>
<form id="challenge-form" action="/cdn-cgi/challenge"><input type="hidden" name="r" value="x"></form>
<p>Checking your browser before accessing the site. Performance and security by Cloudflare.</p>
</body></html>`

func TestRun_BlockedChallengeWithoutForm(t *testing.T) {
	s := newSite()
	s.docs["http://localhost/signup"] = challengePage
	st := testStore(t)
	o, _ := newOrch(t, s, WithRecorder(st))

	res := o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/signup"})

	require.NotEmpty(t, res.Findings)
	top, ok := defense.Blocking(res.Findings)
	require.True(t, ok)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, Decide(res.Findings, 0, true).Message, res.Message)
	assert.Contains(t, res.Message, top.Subtype)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, res.FieldsFilled)
	assert.False(t, res.Submitted)

	got, err := st.GetAttempt(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, string(OutcomeBlocked), got.Outcome)
}

func TestRun_NavigationError(t *testing.T) {
	s := newSite()
	o, _ := newOrch(t, s)

	res := o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/gone"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, strings.HasPrefix(res.Message, "navigation error: "), res.Message)
	var nav *NavigationError
	require.True(t, errors.As(res.Err, &nav))
	assert.Equal(t, "http://localhost/gone", nav.URL)
	assert.True(t, s.pages[0].Closed())

	s.fail = errors.New("browser gone")
	res = o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/gone"})
	require.True(t, errors.As(res.Err, &nav))
}

func TestRun_NoConfirmation(t *testing.T) {
	s := newSite()
	s.docs["http://localhost/signup"] = fmt.Sprintf(signupForm, "")
	s.onClick["button[type=submit]"] = `<html><body><p>Something went wrong.</p></body></html>`
	o, _ := newOrch(t, s)

	res := o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/signup"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, res.Submitted)
	assert.Equal(t, "submitted but no confirmation detected", res.Message)
}

func TestRun_CustomSuccessPredicate(t *testing.T) {
	s := newSite()
	s.docs["http://localhost/signup"] = fmt.Sprintf(signupForm, "")
	s.onClick["button[type=submit]"] = `<html><body><p id="done">ok</p></body></html>`
	o, _ := newOrch(t, s, WithSuccess(func(ctx context.Context, p page.Page) (bool, error) {
		return p.Visible(ctx, "#done")
	}))

	res := o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/signup"})
	assert.Equal(t, OutcomeSuccess, res.Outcome)
}

type panicScanner struct{}

func (panicScanner) Scan(context.Context, page.Page, defense.Target) []defense.Finding {
	panic("scanner exploded")
}

func TestRun_RecoversPanic(t *testing.T) {
	s := newSite()
	s.docs["http://localhost/signup"] = fmt.Sprintf(signupForm, "")
	st := testStore(t)
	o := New(s, panicScanner{}, WithSleep(func(context.Context, time.Duration) error { return nil }), WithRecorder(st))

	res := o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/signup"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StateDecided, res.State)
	assert.Contains(t, res.Message, "scanner exploded")
	assert.True(t, s.pages[0].Closed())

	got, err := st.GetAttempt(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Outcome)
}

type brokenRecorder struct{ calls int }

func (b *brokenRecorder) UpsertSite(context.Context, string, string, string) (string, error) {
	b.calls++
	return "site-1", nil
}

func (b *brokenRecorder) StartAttempt(context.Context, string, string, string) (string, error) {
	b.calls++
	return "att-1", nil
}

func (b *brokenRecorder) RecordStep(context.Context, string, store.Step) error {
	b.calls++
	return errors.New("disk full")
}

func (b *brokenRecorder) RecordDefenses(context.Context, string, string, []defense.Finding) error {
	b.calls++
	return errors.New("disk full")
}

func (b *brokenRecorder) FinishAttempt(context.Context, string, string, int, string) error {
	b.calls++
	return errors.New("disk full")
}

func (b *brokenRecorder) RecordSiteResult(context.Context, string, bool, float64) error {
	b.calls++
	return errors.New("disk full")
}

func TestRun_PersistenceFailuresAreNotFatal(t *testing.T) {
	s := newSite()
	s.docs["http://localhost/signup"] = fmt.Sprintf(signupForm, "")
	s.onClick["button[type=submit]"] = confirmed
	rec := &brokenRecorder{}
	o, _ := newOrch(t, s, WithRecorder(rec))

	res := o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/signup"})
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "att-1", res.AttemptID)
	assert.Greater(t, rec.calls, 5)
}

type statusProber struct{ code int }

func (p statusProber) Fetch(_ context.Context, url string) (*fetcher.Result, error) {
	return &fetcher.Result{URL: url, FinalURL: url, StatusCode: p.code, Header: http.Header{"Retry-After": {"30"}}}, nil
}

func TestRun_ProberFeedsStatusSignals(t *testing.T) {
	s := newSite()
	s.docs["http://localhost/signup"] = fmt.Sprintf(signupForm, "")
	s.onClick["button[type=submit]"] = confirmed
	o, _ := newOrch(t, s, WithProber(statusProber{code: http.StatusTooManyRequests}))

	res := o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/signup"})
	require.NotEmpty(t, res.Findings)
	assert.Equal(t, "rate_limiting", res.Findings[0].Type)
	// Severity 6 does not block.
	assert.Equal(t, OutcomeSuccess, res.Outcome)

	o, _ = newOrch(t, s, WithProber(statusProber{code: http.StatusForbidden}))
	res = o.Run(context.Background(), acct("ada@mail.test"), Site{URL: "http://localhost/signup"})
	assert.Equal(t, OutcomeBlocked, res.Outcome)
}

type outcomes struct {
	mu    sync.Mutex
	seen  []string
	steps int
}

func (o *outcomes) ObserveAttempt(outcome string) {
	o.mu.Lock()
	o.seen = append(o.seen, outcome)
	o.mu.Unlock()
}

func (o *outcomes) ObserveStep(string, time.Duration) {
	o.mu.Lock()
	o.steps++
	o.mu.Unlock()
}

func TestRunBatch(t *testing.T) {
	for _, conc := range []int{1, 3} {
		t.Run(fmt.Sprintf("concurrency=%d", conc), func(t *testing.T) {
			s := newSite()
			s.docs["http://localhost/a"] = fmt.Sprintf(signupForm, "")
			s.docs["http://localhost/b"] = article
			s.onClick["button[type=submit]"] = confirmed
			obs := &outcomes{}
			o, _ := newOrch(t, s, WithConcurrency(conc), WithObserver(obs))

			units := Units(
				[]*mailbox.Account{acct("one@mail.test"), acct("two@mail.test")},
				[]Site{{URL: "http://localhost/a"}, {URL: "http://localhost/b"}, {URL: "http://localhost/missing"}},
			)
			require.Len(t, units, 6)
			assert.Equal(t, "one@mail.test", units[2].Account.Address)

			results := o.RunBatch(context.Background(), units)
			require.Len(t, results, 6)
			for i, r := range results {
				require.NotNil(t, r)
				assert.Equal(t, units[i].Site.URL, r.Site.URL)
				assert.Equal(t, units[i].Account.Address, r.Email)
			}
			assert.Equal(t, Summary{Success: 2, Failed: 4}, Summarize(results))
			assert.Len(t, obs.seen, 6)
			assert.Len(t, s.pages, 6)
			for _, p := range s.pages {
				assert.True(t, p.Closed())
			}
		})
	}
}

func TestRunBatch_CancelledSkipsRest(t *testing.T) {
	s := newSite()
	s.docs["http://localhost/a"] = article
	ctx, cancel := context.WithCancel(context.Background())
	o, _ := newOrch(t, s, WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	results := o.RunBatch(ctx, Units([]*mailbox.Account{acct("x@mail.test")}, []Site{{URL: "http://localhost/a"}, {URL: "http://localhost/a"}}))
	assert.NotNil(t, results[0])
	assert.Nil(t, results[1])
	assert.Equal(t, 1, Summarize(results).Skipped)
}

func TestRandomPersonas(t *testing.T) {
	p := RandomPersonas().Persona(acct("x@mail.test"))
	assert.NotEmpty(t, p.FirstName)
	assert.GreaterOrEqual(t, p.Age, 18)
	assert.Len(t, p.PostalCode, 5)
	assert.Len(t, p.Password, 20)
}
