package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/regprobe/analyzer"
	"github.com/hazyhaar/regprobe/kit"
	"github.com/hazyhaar/regprobe/page"
)

// Locator finds the address on a provider page, either by planning from
// scratch or by executing a known plan. *analyzer.Analyzer satisfies it.
type Locator interface {
	Locate(ctx context.Context, p page.Page, service string) (string, error)
	Execute(ctx context.Context, p page.Page, plan analyzer.Plan) (string, error)
}

// PageConfig describes a browser-driven provider.
type PageConfig struct {
	Name string `yaml:"name"`
	Tier Tier   `yaml:"tier"`
	URL  string `yaml:"url"`
	// Plan skips the analyzer when the page layout is known.
	Plan *analyzer.Plan `yaml:"plan"`
	// SettleSeconds is waited after load before reading the address.
	SettleSeconds int `yaml:"settle_seconds"`

	MessageSelector string `yaml:"message_selector"`
	SenderSelector  string `yaml:"sender_selector"`
	SubjectSelector string `yaml:"subject_selector"`
	LinkSelector    string `yaml:"link_selector"`
}

const defaultLinkSelector = "a[href*=verify], a[href*=confirm], a[href*=activate], a[href*=validation]"

// PageProvider drives a provider web page through a session page.
type PageProvider struct {
	cfg     PageConfig
	locator Locator
	sleep   func(context.Context, time.Duration) error
}

// NewPageProvider validates cfg and returns a provider. The locator is
// required; a configured Plan is tried before the locator plans afresh.
func NewPageProvider(cfg PageConfig, locator Locator) (*PageProvider, error) {
	if cfg.Name == "" || cfg.URL == "" {
		return nil, errors.New("mailbox: page provider needs a name and a url")
	}
	switch cfg.Tier {
	case TierEasy, TierMedium, TierHard:
	case "":
		cfg.Tier = TierMedium
	default:
		return nil, fmt.Errorf("mailbox: provider %s: unknown tier %q", cfg.Name, cfg.Tier)
	}
	if locator == nil {
		return nil, fmt.Errorf("mailbox: provider %s: no locator", cfg.Name)
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = defaultLinkSelector
	}
	return &PageProvider{cfg: cfg, locator: locator, sleep: kit.Sleep}, nil
}

func (pp *PageProvider) Name() string { return pp.cfg.Name }
func (pp *PageProvider) Tier() Tier   { return pp.cfg.Tier }

// CreateAccount loads the provider, drops its stored state so the next
// load hands out a new address, reloads, and reads the address.
func (pp *PageProvider) CreateAccount(ctx context.Context, s *Session) (*Created, error) {
	if s.Page == nil {
		return nil, errors.New("session has no page")
	}
	p := s.Page
	if err := p.Navigate(ctx, pp.cfg.URL); err != nil {
		return nil, err
	}
	if err := p.ClearState(ctx); err != nil {
		return nil, fmt.Errorf("clear state: %w", err)
	}
	if err := p.Navigate(ctx, pp.cfg.URL); err != nil {
		return nil, err
	}
	if pp.cfg.SettleSeconds > 0 {
		if err := pp.sleep(ctx, time.Duration(pp.cfg.SettleSeconds)*time.Second); err != nil {
			return nil, err
		}
	}

	var (
		addr string
		err  error
	)
	if pp.cfg.Plan != nil {
		addr, err = pp.locator.Execute(ctx, p, *pp.cfg.Plan)
	}
	if addr == "" {
		addr, err = pp.locator.Locate(ctx, p, pp.cfg.Name)
	}
	if err != nil {
		return nil, err
	}
	return &Created{
		Address:     addr,
		InboxURL:    p.URL(),
		SessionData: map[string]string{"url": p.URL()},
	}, nil
}

// CheckInbox lists the messages currently shown on the session page.
func (pp *PageProvider) CheckInbox(ctx context.Context, s *Session) ([]Message, error) {
	els, err := pp.messages(ctx, s)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(els))
	for _, el := range els {
		m := Message{Subject: el.Text, Timestamp: time.Now().UTC()}
		if pp.cfg.SenderSelector != "" {
			if t, err := s.Page.Text(ctx, el.Selector+" "+pp.cfg.SenderSelector); err == nil {
				m.Sender = t
			}
		}
		if pp.cfg.SubjectSelector != "" {
			if t, err := s.Page.Text(ctx, el.Selector+" "+pp.cfg.SubjectSelector); err == nil {
				m.Subject = t
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// OpenVerificationLink opens message index and follows the first
// verification link in it.
func (pp *PageProvider) OpenVerificationLink(ctx context.Context, s *Session, index int) (VerificationLink, error) {
	els, err := pp.messages(ctx, s)
	if err != nil {
		return VerificationLink{}, err
	}
	if index < 0 || index >= len(els) {
		return VerificationLink{}, fmt.Errorf("mailbox: message %d out of range (%d messages)", index, len(els))
	}
	if err := s.Page.Click(ctx, els[index].Selector); err != nil {
		return VerificationLink{}, fmt.Errorf("open message: %w", err)
	}
	links, err := s.Page.Query(ctx, pp.cfg.LinkSelector)
	if err != nil {
		return VerificationLink{}, err
	}
	for _, l := range links {
		href := strings.TrimSpace(l.Attr("href"))
		if href == "" {
			continue
		}
		if err := s.Page.Navigate(ctx, href); err != nil {
			return VerificationLink{URL: href}, err
		}
		return VerificationLink{Success: true, URL: href}, nil
	}
	return VerificationLink{}, nil
}

func (pp *PageProvider) messages(ctx context.Context, s *Session) ([]page.Element, error) {
	if s.Page == nil {
		return nil, errors.New("session has no page")
	}
	sel := pp.cfg.MessageSelector
	if sel == "" && pp.cfg.Plan != nil {
		sel = pp.cfg.Plan.InboxSelector
	}
	if sel == "" {
		return nil, fmt.Errorf("mailbox: provider %s has no message selector", pp.cfg.Name)
	}
	return s.Page.Query(ctx, sel)
}
