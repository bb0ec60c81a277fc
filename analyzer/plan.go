package analyzer

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Method names how an address is read off a page.
type Method string

const (
	MethodInputField    Method = "input_field"
	MethodCopyButton    Method = "copy_button"
	MethodTextElement   Method = "text_element"
	MethodDataAttribute Method = "data_attribute"
)

// Valid reports whether m is one of the four known methods.
func (m Method) Valid() bool {
	switch m {
	case MethodInputField, MethodCopyButton, MethodTextElement, MethodDataAttribute:
		return true
	}
	return false
}

// Plan says where a provider page shows its generated address. Plans are
// values; nothing mutates one after it is produced.
type Plan struct {
	Found              bool     `json:"found" yaml:"found"`
	Method             Method   `json:"method" yaml:"method"`
	PrimarySelector    string   `json:"primarySelector" yaml:"primary_selector"`
	FallbackSelectors  []string `json:"fallbackSelectors,omitempty" yaml:"fallback_selectors"`
	CopyButtonSelector string   `json:"copyButtonSelector,omitempty" yaml:"copy_button_selector"`
	InboxSelector      string   `json:"inboxSelector,omitempty" yaml:"inbox_selector"`
	// DataAttribute is the attribute read by MethodDataAttribute. Empty
	// tries the common clipboard/email attributes in order.
	DataAttribute string  `json:"dataAttribute,omitempty" yaml:"data_attribute"`
	WaitSeconds   int     `json:"waitSeconds" yaml:"wait_seconds"`
	Confidence    float64 `json:"confidence" yaml:"confidence"`
	Reasoning     string  `json:"reasoning,omitempty" yaml:"reasoning"`
}

// Kind tags how a Result was produced.
type Kind int

const (
	// Parsed means the reasoning service returned a usable plan.
	Parsed Kind = iota
	// Fallback means the deterministic heuristic produced the plan.
	Fallback
)

func (k Kind) String() string {
	if k == Parsed {
		return "parsed"
	}
	return "fallback"
}

// Result is the outcome of planning. Reason is set for Fallback results.
type Result struct {
	Kind   Kind   `json:"-"`
	Plan   Plan   `json:"plan"`
	Reason string `json:"reason,omitempty"`
}

// MarshalJSON adds the kind as a string.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		Source string `json:"source"`
		alias
	}{Source: r.Kind.String(), alias: alias(r)})
}

// HeuristicConfidence is the fixed confidence of a fallback plan.
const HeuristicConfidence = 0.5

var errMissingJSON = errors.New("no JSON object in response")

// wirePlan is the reply shape the reasoning prompt asks for.
type wirePlan struct {
	EmailFound           *bool    `json:"emailFound"`
	RetrievalMethod      *string  `json:"retrievalMethod"`
	PrimarySelector      *string  `json:"primarySelector"`
	AlternativeSelectors []string `json:"alternativeSelectors"`
	CopyButtonSelector   string   `json:"copyButtonSelector"`
	WaitRequired         bool     `json:"waitRequired"`
	ExpectedLoadTime     float64  `json:"expectedLoadTime"`
	InboxSelector        string   `json:"inboxSelector"`
	Confidence           *float64 `json:"confidence"`
	Reasoning            string   `json:"reasoning"`
	Instructions         string   `json:"instructions"`
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// parsePlan extracts the first balanced JSON object from a free-text reply
// and converts it to a Plan. Prose and markdown fences around the object
// are ignored.
func parsePlan(reply string) (Plan, error) {
	var (
		w       wirePlan
		lastErr = errMissingJSON
		decoded bool
	)
	for from := 0; from < len(reply); {
		obj, end := firstObject(reply, from)
		if obj == "" {
			break
		}
		w = wirePlan{}
		err := json.Unmarshal([]byte(trailingComma.ReplaceAllString(obj, "$1")), &w)
		if err == nil {
			decoded = true
			break
		}
		lastErr = fmt.Errorf("decode reply: %w", err)
		from = end
	}
	if !decoded {
		return Plan{}, lastErr
	}

	var missing []string
	if w.EmailFound == nil {
		missing = append(missing, "emailFound")
	}
	if w.RetrievalMethod == nil {
		missing = append(missing, "retrievalMethod")
	}
	if w.PrimarySelector == nil {
		missing = append(missing, "primarySelector")
	}
	if w.Confidence == nil {
		missing = append(missing, "confidence")
	}
	if len(missing) > 0 {
		return Plan{}, fmt.Errorf("reply missing %s", strings.Join(missing, ", "))
	}

	method := Method(strings.ToLower(strings.TrimSpace(*w.RetrievalMethod)))
	if !method.Valid() {
		return Plan{}, fmt.Errorf("unknown retrievalMethod %q", *w.RetrievalMethod)
	}
	if strings.TrimSpace(*w.PrimarySelector) == "" && *w.EmailFound {
		return Plan{}, errors.New("empty primarySelector")
	}

	p := Plan{
		Found:              *w.EmailFound,
		Method:             method,
		PrimarySelector:    strings.TrimSpace(*w.PrimarySelector),
		CopyButtonSelector: w.CopyButtonSelector,
		InboxSelector:      w.InboxSelector,
		Confidence:         clamp01(*w.Confidence),
		Reasoning:          w.Reasoning,
	}
	for _, s := range w.AlternativeSelectors {
		if s = strings.TrimSpace(s); s != "" && s != p.PrimarySelector {
			p.FallbackSelectors = append(p.FallbackSelectors, s)
		}
	}
	if w.WaitRequired {
		p.WaitSeconds = int(w.ExpectedLoadTime + 0.5)
		if p.WaitSeconds < 1 {
			p.WaitSeconds = 1
		}
	}
	return p, nil
}

// firstObject returns the first brace-balanced {...} at or after from,
// skipping braces inside JSON strings, and the index just past it.
func firstObject(s string, from int) (string, int) {
	start := strings.IndexByte(s[from:], '{')
	if start < 0 {
		return "", len(s)
	}
	start += from
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], i + 1
			}
		}
	}
	return "", len(s)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
