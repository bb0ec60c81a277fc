package orchestrator

import (
	"context"
	"strings"

	"github.com/hazyhaar/regprobe/page"
)

// Structure is the coarse shape of a page used to decide whether it is a
// registration form at all.
type Structure struct {
	Forms      int    `json:"forms"`
	Inputs     int    `json:"inputs"`
	Buttons    int    `json:"buttons"`
	EmailField bool   `json:"emailField"`
	Keyword    string `json:"keyword,omitempty"`
}

var registrationKeywords = []string{
	"sign up", "signup", "register", "registration", "create account",
	"create an account", "join", "get started", "subscribe",
	"inscription", "s'inscrire", "créer un compte",
}

var emailFieldSelectors = []string{
	"input[type=email]", "input[name*=email]", "input[id*=email]",
	"input[name*=mail]", "input[placeholder*=email]", "input[placeholder*=Email]",
}

// Inspect counts forms, visible-or-not inputs and buttons, and looks for
// an email field and a registration keyword in the body text.
func Inspect(ctx context.Context, p page.Page) (Structure, error) {
	var s Structure
	s.Forms = page.Count(ctx, p, "form")
	s.Inputs = page.Count(ctx, p, "input:not([type=hidden]), textarea, select")
	s.Buttons = page.Count(ctx, p, "button, input[type=submit], input[type=button], [role=button]")
	for _, sel := range emailFieldSelectors {
		if page.Count(ctx, p, sel) > 0 {
			s.EmailField = true
			break
		}
	}
	body, err := p.BodyText(ctx)
	if err != nil {
		return s, err
	}
	title, _ := p.Title(ctx)
	hay := strings.ToLower(title + " " + body)
	for _, kw := range registrationKeywords {
		if strings.Contains(hay, kw) {
			s.Keyword = kw
			break
		}
	}
	return s, nil
}

// Plausible reports whether the structure looks like a registration form,
// with the reason when it does not.
func (s Structure) Plausible() (bool, string) {
	switch {
	case s.Inputs == 0:
		return false, "no input fields"
	case !s.EmailField && s.Keyword == "":
		return false, "no email field and no registration keyword"
	case s.Forms == 0 && s.Buttons == 0:
		return false, "no form and no button"
	}
	return true, ""
}
