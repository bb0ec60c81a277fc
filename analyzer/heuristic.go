package analyzer

import (
	"strings"

	"github.com/hazyhaar/regprobe/page"
	"github.com/hazyhaar/regprobe/pagesignal"
)

var mailTokens = []string{"email", "e-mail", "mail", "address", "inbox"}

// Heuristic builds a plan from the snapshot alone: the first input whose
// type, name, id or class carries a mail token, with the first clickable
// mentioning "copy" as copy button. Its confidence is always
// HeuristicConfidence.
func Heuristic(snap *pagesignal.Snapshot) Plan {
	p := Plan{Confidence: HeuristicConfidence, Reasoning: "heuristic"}
	if snap == nil {
		p.Method = MethodTextElement
		p.PrimarySelector = "body"
		return p
	}

	var inputs []page.Element
	for _, el := range snap.Inputs {
		if hasMailToken(el) {
			inputs = append(inputs, el)
		}
	}
	copyBtn := firstCopy(snap.Clickables)
	if copyBtn == nil {
		copyBtn = firstCopy(snap.Buttons)
	}

	switch {
	case len(inputs) > 0:
		p.Found = true
		p.Method = MethodInputField
		p.PrimarySelector = inputs[0].Selector
		for _, el := range inputs[1:] {
			p.FallbackSelectors = append(p.FallbackSelectors, el.Selector)
		}
		if copyBtn != nil {
			p.CopyButtonSelector = copyBtn.Selector
		}
	case copyBtn != nil && copyBtn.Attr("data-clipboard-text") != "":
		p.Found = true
		p.Method = MethodDataAttribute
		p.PrimarySelector = copyBtn.Selector
		p.DataAttribute = "data-clipboard-text"
	default:
		p.Method = MethodTextElement
		p.PrimarySelector = "body"
	}

	// Elements that already display an address are worth a try.
	for _, el := range snap.Clickables {
		if emailRe.MatchString(el.Text) && el.Selector != p.PrimarySelector {
			p.FallbackSelectors = append(p.FallbackSelectors, el.Selector)
		}
	}
	return p
}

func hasMailToken(el page.Element) bool {
	hay := strings.ToLower(strings.Join([]string{
		el.Attr("type"), el.Attr("name"), el.Attr("id"), el.Attr("class"),
	}, " "))
	for _, tok := range mailTokens {
		if strings.Contains(hay, tok) {
			return true
		}
	}
	return false
}

func firstCopy(els []page.Element) *page.Element {
	for i := range els {
		hay := strings.ToLower(els[i].Text + " " + els[i].Attr("class") + " " + els[i].Attr("id"))
		if strings.Contains(hay, "copy") {
			return &els[i]
		}
	}
	return nil
}
