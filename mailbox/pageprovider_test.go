package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/regprobe/analyzer"
	"github.com/hazyhaar/regprobe/page"
)

const providerHTML = `<html><head><title>Temp Mail</title></head><body>
<h1>Your temporary address</h1>
<input id="mail" type="text" readonly value="fresh@tmp.test">
<button class="copy-btn">Copy</button>
<ul id="inbox">
  <li class="msg"><span class="from">noreply@site.test</span> <span class="subj">Verify your account</span></li>
  <li class="msg"><span class="from">news@site.test</span> <span class="subj">Weekly digest</span></li>
</ul>
</body></html>`

const messageHTML = `<html><body><p>Thanks for signing up.</p>
<a href="http://site.test/help">Help</a>
<a href="http://site.test/verify?t=abc">Verify email</a>
</body></html>`

func pageSite() page.Loader {
	return func(_ context.Context, url string) (string, error) {
		switch url {
		case "http://tmp.test/":
			return providerHTML, nil
		case "http://site.test/verify?t=abc":
			return "<html><body>Email verified</body></html>", nil
		}
		return "", errors.New("not found: " + url)
	}
}

type staticOpener struct {
	mu    sync.Mutex
	pages []*page.Static
}

func (o *staticOpener) Open(context.Context) (page.Page, error) {
	p, err := page.NewStatic("about:blank", "<html></html>",
		page.WithLoader(pageSite()),
		page.WithClickResult(`ul[id="inbox"] > li:nth-child(1)`, messageHTML))
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.pages = append(o.pages, p)
	o.mu.Unlock()
	return p, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newPageProvider(t *testing.T, cfg PageConfig) *PageProvider {
	t.Helper()
	pp, err := NewPageProvider(cfg, analyzer.New(analyzer.WithSleep(noSleep)))
	require.NoError(t, err)
	pp.sleep = noSleep
	return pp
}

func TestNewPageProvider_Validation(t *testing.T) {
	loc := analyzer.New()
	_, err := NewPageProvider(PageConfig{URL: "http://x/"}, loc)
	assert.Error(t, err)
	_, err = NewPageProvider(PageConfig{Name: "x", URL: "http://x/", Tier: "impossible"}, loc)
	assert.Error(t, err)
	_, err = NewPageProvider(PageConfig{Name: "x", URL: "http://x/"}, nil)
	assert.Error(t, err)

	pp, err := NewPageProvider(PageConfig{Name: "x", URL: "http://x/"}, loc)
	require.NoError(t, err)
	assert.Equal(t, TierMedium, pp.Tier())
	assert.Equal(t, "x", pp.Name())
}

func TestPageProvider_CreateAccount(t *testing.T) {
	opener := &staticOpener{}
	sessions := NewSessions(opener)
	pp := newPageProvider(t, PageConfig{Name: "tmp", Tier: TierEasy, URL: "http://tmp.test/", SettleSeconds: 2})

	sess, err := sessions.Open(context.Background(), "tmp")
	require.NoError(t, err)
	created, err := pp.CreateAccount(context.Background(), sess)
	require.NoError(t, err)

	assert.Equal(t, "fresh@tmp.test", created.Address)
	assert.Equal(t, "http://tmp.test/", created.InboxURL)
	assert.Equal(t, "http://tmp.test/", created.SessionData["url"])
	require.Len(t, opener.pages, 1)
	assert.Equal(t, 1, opener.pages[0].Cleared())
}

func TestPageProvider_KnownPlan(t *testing.T) {
	plan := &analyzer.Plan{Found: true, Method: analyzer.MethodInputField, PrimarySelector: "#mail", InboxSelector: "li.msg"}
	pp := newPageProvider(t, PageConfig{Name: "tmp", URL: "http://tmp.test/", Plan: plan, SenderSelector: ".from", SubjectSelector: ".subj"})
	sess, err := NewSessions(&staticOpener{}).Open(context.Background(), "tmp")
	require.NoError(t, err)

	created, err := pp.CreateAccount(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, "fresh@tmp.test", created.Address)

	msgs, err := pp.CheckInbox(context.Background(), sess)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "noreply@site.test", msgs[0].Sender)
	assert.Equal(t, "Verify your account", msgs[0].Subject)
	assert.Equal(t, "Weekly digest", msgs[1].Subject)

	link, err := pp.OpenVerificationLink(context.Background(), sess, 0)
	require.NoError(t, err)
	assert.True(t, link.Success)
	assert.Equal(t, "http://site.test/verify?t=abc", link.URL)
	assert.Equal(t, "http://site.test/verify?t=abc", sess.Page.URL())

	_, err = pp.OpenVerificationLink(context.Background(), sess, 7)
	assert.Error(t, err)
}

func TestPageProvider_NoMessageSelector(t *testing.T) {
	pp := newPageProvider(t, PageConfig{Name: "tmp", URL: "http://tmp.test/"})
	sess, err := NewSessions(&staticOpener{}).Open(context.Background(), "tmp")
	require.NoError(t, err)
	_, err = pp.CheckInbox(context.Background(), sess)
	assert.Error(t, err)
}

func TestPageProvider_WithProvisioner(t *testing.T) {
	opener := &staticOpener{}
	reg, err := NewRegistry(newPageProvider(t, PageConfig{Name: "tmp", Tier: TierEasy, URL: "http://tmp.test/"}))
	require.NoError(t, err)
	sessions := NewSessions(opener)
	p := NewProvisioner(reg, sessions, WithSleep(noSleep))

	acct, err := p.Acquire(context.Background(), "tmp")
	require.NoError(t, err)
	assert.Equal(t, "fresh@tmp.test", acct.Address)

	sess, ok := sessions.Get(acct.SessionID)
	require.True(t, ok)
	assert.Equal(t, "fresh@tmp.test", sess.Address)

	require.NoError(t, sessions.CloseAll())
	assert.True(t, opener.pages[0].Closed())
	assert.Equal(t, 0, sessions.Len())
}

func TestTriedSet(t *testing.T) {
	s := NewTriedSet()
	s.Add("b")
	s.Add("a")
	s.Add("b")
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("c"))
	assert.ElementsMatch(t, []string{"a", "b"}, s.List())
	s.Reset()
	assert.Empty(t, s.List())
}

func TestCatalog(t *testing.T) {
	entries := Catalog()
	require.NotEmpty(t, entries)
	names := map[string]bool{}
	for _, e := range entries {
		assert.NotEmpty(t, e.URL)
		names[e.Name] = true
	}
	assert.True(t, names["guerrillamail"])
	_, ok := CatalogEntry("guerrillamail")
	assert.True(t, ok)
	_, ok = CatalogEntry("nope")
	assert.False(t, ok)
}
