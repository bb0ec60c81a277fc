package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/regprobe/dbopen"
	"github.com/hazyhaar/regprobe/defense"
	"github.com/hazyhaar/regprobe/guard"
	"github.com/hazyhaar/regprobe/mailbox"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	var n atomic.Int64
	base := []Option{
		WithClock(func() time.Time { return epoch }),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", n.Add(1)) }),
	}
	s, err := New(dbopen.OpenMemory(t), append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func account(addr string) *mailbox.Account {
	return &mailbox.Account{
		Address:     addr,
		Provider:    "guerrillamail",
		Tier:        mailbox.TierEasy,
		CreatedAt:   epoch,
		Status:      mailbox.StatusActive,
		SessionData: map[string]string{"sid": "abc"},
		Password:    "hunter2",
		InboxURL:    "https://mail.test/inbox",
	}
}

func TestSaveAccount_ConflictReturnsExistingID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id1, err := s.SaveAccount(ctx, account("a@mail.test"))
	require.NoError(t, err)
	id2, err := s.SaveAccount(ctx, account("a@mail.test"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	exists, err := s.AccountExists(ctx, "a@mail.test")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.AccountExists(ctx, "b@mail.test")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAccount_SealedRoundTrip(t *testing.T) {
	s := testStore(t, WithSecret("correct horse battery staple"))
	ctx := context.Background()

	_, err := s.SaveAccount(ctx, account("a@mail.test"))
	require.NoError(t, err)

	var raw string
	require.NoError(t, s.DB.QueryRow(`SELECT session_data FROM email_accounts`).Scan(&raw))
	assert.True(t, strings.HasPrefix(raw, sealedPrefix), raw)

	got, err := s.GetAccount(ctx, "a@mail.test")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.Password)
	assert.Equal(t, map[string]string{"sid": "abc"}, got.SessionData)
	assert.Equal(t, mailbox.TierEasy, got.Tier)
	assert.Equal(t, epoch, got.CreatedAt)

	other, err := New(s.DB, WithSecret("wrong horse battery staple"))
	require.NoError(t, err)
	_, err = other.GetAccount(ctx, "a@mail.test")
	assert.Error(t, err)

	_, err = New(s.DB, WithSecret("short"))
	assert.ErrorIs(t, err, guard.ErrSecretTooShort)

	plain, err := New(s.DB)
	require.NoError(t, err)
	_, err = plain.GetAccount(ctx, "a@mail.test")
	assert.ErrorIs(t, err, errSealed)
}

func TestAccountStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.SaveAccount(ctx, account("a@mail.test"))
	require.NoError(t, err)

	require.NoError(t, s.MarkVerified(ctx, "a@mail.test"))
	got, err := s.GetAccount(ctx, "a@mail.test")
	require.NoError(t, err)
	assert.Equal(t, mailbox.StatusVerified, got.Status)

	require.NoError(t, s.CloseAccount(ctx, "a@mail.test"))
	got, err = s.GetAccount(ctx, "a@mail.test")
	require.NoError(t, err)
	assert.Equal(t, mailbox.StatusClosed, got.Status)

	assert.ErrorIs(t, s.CloseAccount(ctx, "ghost@mail.test"), ErrNotFound)
	_, err = s.GetAccount(ctx, "ghost@mail.test")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertSite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id1, err := s.UpsertSite(ctx, "Survey One", "http://localhost/signup", "survey")
	require.NoError(t, err)
	id2, err := s.UpsertSite(ctx, "", "http://localhost/signup", "")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	require.NoError(t, s.RecordSiteResult(ctx, id1, true, 0.4))
	require.NoError(t, s.RecordSiteResult(ctx, id1, false, 1.7))

	site, err := s.GetSite(ctx, "Survey One")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/signup", site.URL)
	assert.Equal(t, "survey", site.Category)
	assert.Equal(t, 2, site.TotalAttempts)
	assert.Equal(t, 1, site.SuccessfulAttempts)
	assert.Equal(t, 1.0, site.DifficultyScore)

	_, err = s.GetSite(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrNotFound)

	sites, err := s.ListSites(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, sites, 1)
}

func TestAttempt_RoundTripKeepsDefenseOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	acctID, err := s.SaveAccount(ctx, account("a@mail.test"))
	require.NoError(t, err)
	siteID, err := s.UpsertSite(ctx, "local", "http://localhost/signup", "")
	require.NoError(t, err)
	attemptID, err := s.StartAttempt(ctx, acctID, "a@mail.test", siteID)
	require.NoError(t, err)

	findings := []defense.Finding{
		{Type: "bot_protection", Subtype: "cloudflare", Severity: 9, Evidence: []string{"phrase: \"just a moment\""}, DetectedAt: epoch},
		{Type: "captcha", Subtype: "recaptcha", Severity: 8, Evidence: []string{"selector: .g-recaptcha (1)"}, DetectedAt: epoch},
		{Type: "access_denied", Subtype: "forbidden", Severity: 8, Evidence: []string{"status: 403"}, DetectedAt: epoch},
		{Type: "honeypot", Subtype: "hidden_field", Severity: 5, Evidence: []string{"a", "b"}, DetectedAt: epoch},
	}
	require.NoError(t, s.RecordDefenses(ctx, attemptID, siteID, findings))
	require.NoError(t, s.RecordStep(ctx, attemptID, Step{
		Name: "navigated", Status: "ok", Duration: 1500 * time.Millisecond,
		Input: JSON(map[string]string{"url": "http://localhost/signup"}), Output: JSON(map[string]int{"status": 200}),
	}))
	require.NoError(t, s.RecordStep(ctx, attemptID, Step{Name: "scanned", Status: "ok"}))
	require.NoError(t, s.FinishAttempt(ctx, attemptID, "blocked", 5, "blocked by bot_protection/cloudflare"))

	got, err := s.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, findings, got.Defenses)
	assert.Equal(t, "blocked", got.Outcome)
	assert.Equal(t, "decided", got.State)
	assert.Equal(t, 5, got.FieldsFilled)
	assert.Equal(t, acctID, got.AccountID)
	assert.Equal(t, epoch, got.CompletedAt)

	require.Len(t, got.Steps, 2)
	assert.Equal(t, "navigated", got.Steps[0].Name)
	assert.Equal(t, 1500*time.Millisecond, got.Steps[0].Duration)
	assert.JSONEq(t, `{"url":"http://localhost/signup"}`, string(got.Steps[0].Input))
	assert.JSONEq(t, `{}`, string(got.Steps[1].Output))

	counts, err := s.DefenseCounts(ctx, siteID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["captcha"])

	list, err := s.ListAttempts(ctx, siteID, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "blocked", list[0].Outcome)
}

func TestAttempt_WithoutAccountID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	siteID, err := s.UpsertSite(ctx, "", "http://localhost/", "")
	require.NoError(t, err)
	id, err := s.StartAttempt(ctx, "", "unsaved@mail.test", siteID)
	require.NoError(t, err)

	got, err := s.GetAttempt(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.AccountID)
	assert.Empty(t, got.Outcome)
	assert.True(t, got.CompletedAt.IsZero())

	_, err = s.GetAttempt(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJSON(t *testing.T) {
	assert.Nil(t, JSON(nil))
	var out map[string]string
	require.NoError(t, json.Unmarshal(JSON(func() {}), &out))
	assert.Contains(t, out, "encodeError")
}
