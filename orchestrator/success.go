package orchestrator

import (
	"context"
	"strings"

	"github.com/hazyhaar/regprobe/page"
)

// SuccessFunc judges, after submission, whether the registration went
// through. Substring checks are a heuristic and misjudge arbitrary sites;
// callers with a known target should supply their own.
type SuccessFunc func(ctx context.Context, p page.Page) (bool, error)

// DefaultSuccessKeywords are looked for in the page after submission.
var DefaultSuccessKeywords = []string{"success", "welcome", "verify", "confirmation", "thank you"}

// KeywordSuccess reports success when the body text contains any keyword,
// case-insensitively.
func KeywordSuccess(keywords ...string) SuccessFunc {
	if len(keywords) == 0 {
		keywords = DefaultSuccessKeywords
	}
	lower := make([]string, len(keywords))
	for i, k := range keywords {
		lower[i] = strings.ToLower(k)
	}
	return func(ctx context.Context, p page.Page) (bool, error) {
		body, err := p.BodyText(ctx)
		if err != nil {
			return false, err
		}
		body = strings.ToLower(body)
		for _, k := range lower {
			if strings.Contains(body, k) {
				return true, nil
			}
		}
		return false, nil
	}
}
