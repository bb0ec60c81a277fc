package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/regprobe/mailbox"
)

// Unit is one (mailbox, site) pair of a batch.
type Unit struct {
	Account *mailbox.Account
	Site    Site
}

// Units pairs every account with every site, mailboxes outermost.
func Units(accounts []*mailbox.Account, sites []Site) []Unit {
	out := make([]Unit, 0, len(accounts)*len(sites))
	for _, a := range accounts {
		for _, s := range sites {
			out = append(out, Unit{Account: a, Site: s})
		}
	}
	return out
}

// RunBatch runs every unit and returns their results in unit order. A
// failing unit never stops the batch; cancelling ctx stops scheduling and
// leaves the remaining results nil. Sequential runs pause between
// attempts; concurrent runs give each unit its own page.
func (o *Orchestrator) RunBatch(ctx context.Context, units []Unit) []*Result {
	results := make([]*Result, len(units))
	if o.concurrency <= 1 {
		for i, u := range units {
			if i > 0 {
				if err := o.pace(ctx); err != nil {
					break
				}
			}
			if ctx.Err() != nil {
				break
			}
			results[i] = o.Run(ctx, u.Account, u.Site)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, u := range units {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = o.Run(ctx, u.Account, u.Site)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Summary counts outcomes of a batch.
type Summary struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Blocked int `json:"blocked"`
	Skipped int `json:"skipped"`
}

// Summarize tallies results; nil results count as skipped.
func Summarize(results []*Result) Summary {
	var s Summary
	for _, r := range results {
		switch {
		case r == nil:
			s.Skipped++
		case r.Outcome == OutcomeSuccess:
			s.Success++
		case r.Outcome == OutcomeBlocked:
			s.Blocked++
		default:
			s.Failed++
		}
	}
	return s
}
