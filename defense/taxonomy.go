package defense

// HeaderTrigger matches a response header. An empty Contains matches any
// value; Equals, when set, requires the whole value (case-insensitive).
type HeaderTrigger struct {
	Name     string `yaml:"name"`
	Contains string `yaml:"contains"`
	Equals   string `yaml:"equals"`
}

// Refinement narrows a detected category to a vendor or mechanism. Its
// signals never detect on their own.
type Refinement struct {
	Subtype   string          `yaml:"subtype"`
	Severity  int             `yaml:"severity"`
	Selectors []string        `yaml:"selectors"`
	Phrases   []string        `yaml:"phrases"`
	Headers   []HeaderTrigger `yaml:"headers"`
	Scripts   []string        `yaml:"scripts"`
}

// Category is one kind of defense and the signals that reveal it.
type Category struct {
	Type        string          `yaml:"type"`
	Subtype     string          `yaml:"subtype"`
	Severity    int             `yaml:"severity"`
	Selectors   []string        `yaml:"selectors"`
	Phrases     []string        `yaml:"phrases"`
	StatusCodes []int           `yaml:"status_codes"`
	Headers     []HeaderTrigger `yaml:"headers"`
	// Scripts are substrings searched in inline script bodies.
	Scripts []string `yaml:"scripts"`
	// Probes are JS boolean expressions evaluated in the page.
	Probes      []string     `yaml:"probes"`
	Refinements []Refinement `yaml:"refinements"`
}

const (
	TypeCaptcha              = "captcha"
	TypeBotProtection        = "bot_protection"
	TypeRateLimiting         = "rate_limiting"
	TypeAccessDenied         = "access_denied"
	TypeHoneypot             = "honeypot"
	TypeAutomationDetection  = "automation_detection"
	TypePhoneVerification    = "phone_verification"
	TypeEmailVerification    = "email_verification"
	TypeDeviceFingerprinting = "device_fingerprinting"
	TypeBehavioralAnalysis   = "behavioral_analysis"
)

// WebdriverProbe is the automation-flag probe run on live pages.
const WebdriverProbe = "navigator.webdriver === true"

// DefaultTaxonomy returns a fresh copy of the built-in categories, in
// evaluation order.
func DefaultTaxonomy() []Category {
	return []Category{
		{
			Type:     TypeCaptcha,
			Subtype:  "generic",
			Severity: 7,
			Selectors: []string{
				"[class*=captcha]", "[id*=captcha]", "iframe[src*=captcha]",
				".cf-turnstile", "[data-sitekey]", "#FunCaptcha",
			},
			Phrases: []string{"captcha", "i'm not a robot", "i am not a robot", "verify you are human", "prove you are human"},
			Refinements: []Refinement{
				{Subtype: "recaptcha", Severity: 8,
					Selectors: []string{".g-recaptcha", "iframe[src*=recaptcha]", "script[src*=recaptcha]"},
					Scripts:   []string{"grecaptcha"}, Phrases: []string{"recaptcha"}},
				{Subtype: "hcaptcha", Severity: 8,
					Selectors: []string{".h-captcha", "iframe[src*=hcaptcha]", "script[src*=hcaptcha]"},
					Scripts:   []string{"hcaptcha"}},
				{Subtype: "turnstile", Severity: 8,
					Selectors: []string{".cf-turnstile", "iframe[src*=\"challenges.cloudflare.com\"]"},
					Scripts:   []string{"turnstile.render"}},
				{Subtype: "funcaptcha", Severity: 9,
					Selectors: []string{"#FunCaptcha", "iframe[src*=arkoselabs]", "[data-pkey]"},
					Scripts:   []string{"arkoselabs"}},
			},
		},
		{
			Type:     TypeBotProtection,
			Subtype:  "generic",
			Severity: 9,
			Selectors: []string{
				"#challenge-form", "#challenge-running", "#cf-challenge-running",
				"#px-captcha", "iframe[src*=\"captcha-delivery.com\"]",
			},
			Phrases: []string{
				"checking your browser", "just a moment...", "ddos protection by",
				"attention required!", "please enable javascript and cookies to continue",
				"press & hold", "incapsula incident id", "request unsuccessful. incapsula",
			},
			Headers: []HeaderTrigger{{Name: "cf-mitigated"}, {Name: "x-datadome", Equals: "protected"}},
			Refinements: []Refinement{
				{Subtype: "cloudflare", Selectors: []string{"#challenge-form", "#cf-wrapper"},
					Headers: []HeaderTrigger{{Name: "cf-ray"}, {Name: "server", Contains: "cloudflare"}},
					Phrases: []string{"cloudflare"}},
				{Subtype: "datadome", Selectors: []string{"iframe[src*=\"captcha-delivery.com\"]"},
					Headers: []HeaderTrigger{{Name: "x-datadome"}}, Scripts: []string{"datadome"}},
				{Subtype: "perimeterx", Selectors: []string{"#px-captcha"},
					Scripts: []string{"_pxAppId", "perimeterx"}, Phrases: []string{"press & hold"}},
				{Subtype: "imperva", Headers: []HeaderTrigger{{Name: "x-iinfo"}, {Name: "x-cdn", Contains: "incapsula"}},
					Phrases: []string{"incapsula"}},
				{Subtype: "akamai", Headers: []HeaderTrigger{{Name: "server", Contains: "akamaighost"}},
					Scripts: []string{"_abck", "bmak."}},
			},
		},
		{
			Type:        TypeRateLimiting,
			Subtype:     "generic",
			Severity:    6,
			StatusCodes: []int{429},
			Headers:     []HeaderTrigger{{Name: "retry-after"}, {Name: "x-ratelimit-remaining", Equals: "0"}},
			Phrases:     []string{"too many requests", "rate limit exceeded", "you are being rate limited", "slow down"},
		},
		{
			Type:        TypeAccessDenied,
			Subtype:     "generic",
			Severity:    8,
			StatusCodes: []int{403, 451},
			Phrases: []string{
				"access denied", "403 forbidden", "you have been blocked",
				"your ip has been blocked", "not available in your region",
			},
			Refinements: []Refinement{
				{Subtype: "geo_block", Phrases: []string{"not available in your region", "not available in your country"}},
				{Subtype: "ip_block", Phrases: []string{"your ip has been blocked", "your ip address"}},
			},
		},
		{
			Type:     TypeHoneypot,
			Subtype:  "hidden_field",
			Severity: 5,
			Selectors: []string{
				"input[name*=honeypot]", "input[class*=honeypot]", "input[id*=honeypot]",
				"input[name*=hp_]", ".hp-field input", "form input[tabindex=\"-1\"][autocomplete=off]",
				"form [style*=\"display:none\"] input[type=text]", "form [style*=\"display: none\"] input[type=text]",
			},
		},
		{
			Type:     TypeAutomationDetection,
			Subtype:  "webdriver_check",
			Severity: 6,
			Probes:   []string{WebdriverProbe},
			Scripts:  []string{"navigator.webdriver", "__selenium", "callPhantom", "_phantom", "domAutomation", "__nightmare"},
		},
		{
			Type:     TypePhoneVerification,
			Subtype:  "sms",
			Severity: 6,
			Selectors: []string{
				"input[type=tel]", "input[autocomplete=tel]", "input[name*=phone]", "input[id*=phone]",
			},
			Phrases: []string{"verify your phone", "phone verification", "sms code", "code sent to your phone", "text message"},
		},
		{
			Type:     TypeEmailVerification,
			Subtype:  "confirmation_link",
			Severity: 3,
			Phrases:  []string{"verify your email", "confirm your email", "confirmation email", "check your inbox", "verification email"},
		},
		{
			Type:      TypeDeviceFingerprinting,
			Subtype:   "generic",
			Severity:  5,
			Selectors: []string{"script[src*=fingerprint]", "script[src*=fpjs]", "script[src*=threatmetrix]", "script[src*=iovation]"},
			Scripts:   []string{"FingerprintJS", "fingerprintjs", "canvas.toDataURL", "getContextAttributes", "AudioContext", "WEBGL_debug_renderer_info"},
			Refinements: []Refinement{
				{Subtype: "fingerprintjs", Selectors: []string{"script[src*=fpjs]", "script[src*=fingerprint]"}, Scripts: []string{"FingerprintJS", "fingerprintjs"}},
				{Subtype: "canvas", Scripts: []string{"canvas.toDataURL"}},
				{Subtype: "webgl", Scripts: []string{"WEBGL_debug_renderer_info"}},
			},
		},
	}
}

// Extend merges extra categories into base. A category with a known Type
// adds its signals and refinements to the existing one and overrides the
// severity and subtype when set; an unknown Type is appended.
func Extend(base []Category, extra []Category) []Category {
	out := make([]Category, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, c := range out {
		index[c.Type] = i
	}
	for _, e := range extra {
		i, ok := index[e.Type]
		if !ok {
			if e.Subtype == "" {
				e.Subtype = "generic"
			}
			index[e.Type] = len(out)
			out = append(out, e)
			continue
		}
		c := out[i]
		if e.Severity > 0 {
			c.Severity = e.Severity
		}
		if e.Subtype != "" {
			c.Subtype = e.Subtype
		}
		c.Selectors = append(append([]string(nil), c.Selectors...), e.Selectors...)
		c.Phrases = append(append([]string(nil), c.Phrases...), e.Phrases...)
		c.StatusCodes = append(append([]int(nil), c.StatusCodes...), e.StatusCodes...)
		c.Headers = append(append([]HeaderTrigger(nil), c.Headers...), e.Headers...)
		c.Scripts = append(append([]string(nil), c.Scripts...), e.Scripts...)
		c.Probes = append(append([]string(nil), c.Probes...), e.Probes...)
		c.Refinements = append(append([]Refinement(nil), c.Refinements...), e.Refinements...)
		out[i] = c
	}
	return out
}
