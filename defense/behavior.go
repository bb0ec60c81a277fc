package defense

import (
	"regexp"
)

type behavioralSignal struct {
	subtype  string
	severity int
	re       *regexp.Regexp
}

// behavioralSignals are independent of the taxonomy and only look at
// inline script text.
var behavioralSignals = []behavioralSignal{
	{"mouse_tracking", 4, regexp.MustCompile(`(?i)(mousemove|mousedown|pointermove|onmousemove|clientX)`)},
	{"timing_analysis", 3, regexp.MustCompile(`(performance\.now|performance\.timing|Date\.now\(\))`)},
	{"field_monitoring", 3, regexp.MustCompile(`(?i)(addEventListener\(\s*['"](input|change|keyup|keydown)['"]|\bon(input|change|keyup|keydown)\s*=)`)},
}

func (c *Classifier) behavioral(scripts []string) []Finding {
	var out []Finding
	for _, sig := range behavioralSignals {
		var ev []string
		for _, s := range scripts {
			if m := sig.re.FindString(s); m != "" {
				ev = append(ev, "script: "+m)
				if len(ev) == 3 {
					break
				}
			}
		}
		if len(ev) > 0 {
			out = append(out, Finding{
				Type:       TypeBehavioralAnalysis,
				Subtype:    sig.subtype,
				Severity:   sig.severity,
				Evidence:   ev,
				DetectedAt: c.now(),
			})
		}
	}
	return out
}
