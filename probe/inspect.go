package probe

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/regprobe/analyzer"
	"github.com/hazyhaar/regprobe/defense"
	"github.com/hazyhaar/regprobe/guard"
	"github.com/hazyhaar/regprobe/orchestrator"
	"github.com/hazyhaar/regprobe/pagesignal"
	"github.com/hazyhaar/regprobe/store"
)

// DefenseReport is the HTTP-only view of a page's defenses.
type DefenseReport struct {
	URL        string                 `json:"url"`
	FinalURL   string                 `json:"finalUrl"`
	StatusCode int                    `json:"statusCode"`
	Findings   []defense.Finding      `json:"findings"`
	Difficulty float64                `json:"difficulty"`
	Blocking   *defense.Finding       `json:"blocking,omitempty"`
	Structure  orchestrator.Structure `json:"structure"`
	Plausible  bool                   `json:"plausible"`
	Reason     string                 `json:"reason,omitempty"`
}

// ScanDefenses fetches rawURL once, without a browser, and classifies it.
// Nothing is filled or submitted, and JS-environment probes never match.
func (e *Engine) ScanDefenses(ctx context.Context, rawURL string) (*DefenseReport, error) {
	if err := e.checkTarget(ctx, rawURL); err != nil {
		return nil, err
	}
	p, res, err := e.fetcher.Load(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("probe: scan %s: %w", rawURL, err)
	}
	defer p.Close()

	findings := e.classifier.Scan(ctx, p, defense.Target{
		URL:        res.FinalURL,
		StatusCode: res.StatusCode,
		Header:     res.Header,
	})
	rep := &DefenseReport{
		URL:        rawURL,
		FinalURL:   res.FinalURL,
		StatusCode: res.StatusCode,
		Findings:   findings,
		Difficulty: defense.DifficultyScore(findings),
	}
	if f, ok := defense.Blocking(findings); ok {
		rep.Blocking = &f
	}
	if st, err := orchestrator.Inspect(ctx, p); err == nil {
		rep.Structure = st
		rep.Plausible, rep.Reason = st.Plausible()
	}
	return rep, nil
}

// PlanReport is a page snapshot with the retrieval plan made from it.
type PlanReport struct {
	Snapshot *pagesignal.Snapshot `json:"snapshot"`
	Result   analyzer.Result      `json:"result"`
}

// PlanRetrieval loads rawURL on a fresh page and plans how to read a
// generated address from it. The plan is not executed.
func (e *Engine) PlanRetrieval(ctx context.Context, rawURL, service string) (*PlanReport, error) {
	if err := e.checkTarget(ctx, rawURL); err != nil {
		return nil, err
	}
	if service == "" {
		u, _ := guard.CheckURL(rawURL)
		service = u.Hostname()
	}
	p, err := e.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe: open page: %w", err)
	}
	defer p.Close()
	if err := p.Navigate(ctx, rawURL); err != nil {
		return nil, &orchestrator.NavigationError{URL: rawURL, Err: err}
	}
	snap, err := e.analyzer.Capture(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("probe: capture %s: %w", rawURL, err)
	}
	return &PlanReport{Snapshot: snap, Result: e.analyzer.Plan(ctx, snap, service)}, nil
}

// SiteProfile is a site with its recent attempts and defense history.
type SiteProfile struct {
	Site     *store.Site      `json:"site"`
	Attempts []*store.Attempt `json:"attempts"`
	Defenses map[string]int   `json:"defenses"`
}

// SiteProfile reads the profile of the site whose url or name is key.
func (e *Engine) SiteProfile(ctx context.Context, key string, limit int) (*SiteProfile, error) {
	site, err := e.store.GetSite(ctx, key)
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.ListAttempts(ctx, site.ID, limit)
	if err != nil {
		return nil, err
	}
	counts, err := e.store.DefenseCounts(ctx, site.ID)
	if err != nil {
		return nil, err
	}
	return &SiteProfile{Site: site, Attempts: attempts, Defenses: counts}, nil
}

// checkTarget accepts http(s) urls on the allow list, and public ones.
func (e *Engine) checkTarget(ctx context.Context, rawURL string) error {
	if _, err := guard.CheckURL(rawURL); err != nil {
		return err
	}
	if e.allow.Allowed(rawURL) {
		return nil
	}
	return guard.PublicURL(ctx, rawURL, nil)
}

func containsAny(s string, words []string) bool {
	s = strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
