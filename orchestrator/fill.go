package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
	"strconv"

	"github.com/hazyhaar/regprobe/mailbox"
	"github.com/hazyhaar/regprobe/page"
)

// Persona is the throwaway identity typed into a form.
type Persona struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Age        int    `json:"age"`
	Gender     string `json:"gender"`
	PostalCode string `json:"postalCode"`
	Password   string `json:"-"`
}

// PersonaSource supplies a persona for a mailbox.
type PersonaSource interface {
	Persona(acct *mailbox.Account) Persona
}

// PersonaFunc adapts a function to PersonaSource.
type PersonaFunc func(acct *mailbox.Account) Persona

func (f PersonaFunc) Persona(acct *mailbox.Account) Persona { return f(acct) }

var (
	firstNames = []string{"Alex", "Camille", "Jordan", "Morgan", "Sacha", "Robin", "Charlie", "Dominique"}
	lastNames  = []string{"Martin", "Bernard", "Dubois", "Moreau", "Laurent", "Simon", "Michel", "Lefebvre"}
	genders    = []string{"female", "male", "other"}
)

// RandomPersonas draws simple randomized personas.
func RandomPersonas() PersonaSource {
	return PersonaFunc(func(*mailbox.Account) Persona {
		return Persona{
			FirstName:  firstNames[mrand.IntN(len(firstNames))],
			LastName:   lastNames[mrand.IntN(len(lastNames))],
			Age:        18 + mrand.IntN(47),
			Gender:     genders[mrand.IntN(len(genders))],
			PostalCode: fmt.Sprintf("%05d", 1000+mrand.IntN(94000)),
			Password:   "Rp-" + rand.Text()[:14] + "7a!",
		}
	})
}

// Field is one form field and the selectors tried, in order, to find it.
type Field struct {
	Name      string
	Selectors []string
	Value     func(Persona, *mailbox.Account) string
}

// DefaultFields is the fixed field set of a registration attempt.
func DefaultFields() []Field {
	return []Field{
		{Name: "email", Selectors: []string{
			"input[type=email]", "input[name=email]", "input[id=email]",
			"input[name*=email]", "input[id*=email]", "input[name*=mail]",
		}, Value: func(_ Persona, a *mailbox.Account) string { return a.Address }},
		{Name: "first_name", Selectors: []string{
			"input[autocomplete=given-name]", "input[name=first_name]", "input[name=firstname]",
			"input[name=firstName]", "input[id=first_name]", "input[id=firstname]",
			"input[name*=first]", "input[name=prenom]",
		}, Value: func(p Persona, _ *mailbox.Account) string { return p.FirstName }},
		{Name: "last_name", Selectors: []string{
			"input[autocomplete=family-name]", "input[name=last_name]", "input[name=lastname]",
			"input[name=lastName]", "input[id=last_name]", "input[id=lastname]",
			"input[name*=last]", "input[name=nom]",
		}, Value: func(p Persona, _ *mailbox.Account) string { return p.LastName }},
		{Name: "age", Selectors: []string{
			"input[name=age]", "input[id=age]", "select[name=age]", "input[name*=age][type=number]",
		}, Value: func(p Persona, _ *mailbox.Account) string { return strconv.Itoa(p.Age) }},
		{Name: "gender", Selectors: []string{
			"select[name=gender]", "select[id=gender]", "select[name*=gender]",
			"input[name=gender]", "select[name=sexe]",
		}, Value: func(p Persona, _ *mailbox.Account) string { return p.Gender }},
		{Name: "postal_code", Selectors: []string{
			"input[autocomplete=postal-code]", "input[name=zip]", "input[name=zipcode]",
			"input[name=postal_code]", "input[name=postcode]", "input[id=zip]",
			"input[name*=zip]", "input[name*=postal]",
		}, Value: func(p Persona, _ *mailbox.Account) string { return p.PostalCode }},
		{Name: "password", Selectors: []string{
			"input[type=password]",
		}, Value: func(p Persona, _ *mailbox.Account) string { return p.Password }},
	}
}

// DefaultCheckboxes match consent boxes that are ticked before submitting.
var DefaultCheckboxes = []string{
	"input[type=checkbox][name*=terms]", "input[type=checkbox][id*=terms]",
	"input[type=checkbox][name*=agree]", "input[type=checkbox][id*=agree]",
	"input[type=checkbox][name*=accept]", "input[type=checkbox][id*=accept]",
}

// DefaultSubmitSelectors are tried in order; the first visible one is
// clicked.
var DefaultSubmitSelectors = []string{
	"button[type=submit]", "input[type=submit]",
	"button[id*=register]", "button[id*=signup]", "button[name*=register]",
	"button[class*=submit]", "form button",
}

// FillReport says which fields and checkboxes were set.
type FillReport struct {
	Filled  []string          `json:"filled"`
	Missing []string          `json:"missing,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
	Checked []string          `json:"checked,omitempty"`
}

// fill sets every field it can find, pausing between fields.
func (o *Orchestrator) fill(ctx context.Context, p page.Page, persona Persona, acct *mailbox.Account) (FillReport, error) {
	var rep FillReport
	for _, f := range o.fields {
		sel, ok := page.FirstVisible(ctx, p, f.Selectors)
		if !ok {
			rep.Missing = append(rep.Missing, f.Name)
			continue
		}
		if len(rep.Filled) > 0 {
			if err := o.pace(ctx); err != nil {
				return rep, err
			}
		}
		if err := p.Fill(ctx, sel, f.Value(persona, acct)); err != nil {
			if rep.Errors == nil {
				rep.Errors = make(map[string]string)
			}
			rep.Errors[f.Name] = err.Error()
			o.logger.Debug("orchestrator: fill failed", "field", f.Name, "selector", sel, "error", err)
			continue
		}
		rep.Filled = append(rep.Filled, f.Name)
	}

	seen := make(map[string]bool)
	for _, sel := range o.checkboxes {
		els, err := p.Query(ctx, sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			if !el.Visible || seen[el.Selector] {
				continue
			}
			seen[el.Selector] = true
			if err := p.Check(ctx, el.Selector); err != nil {
				o.logger.Debug("orchestrator: check failed", "selector", el.Selector, "error", err)
				continue
			}
			rep.Checked = append(rep.Checked, el.Selector)
		}
	}
	return rep, ctx.Err()
}
