package fetcher

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// spaShells are markers of a client-rendered page whose static HTML says
// nothing about the form that will eventually render.
var spaShells = []string{
	`<div id="root"></div>`,
	`<div id="app"></div>`,
	`<div id="__next"></div>`,
	"<noscript>you need to enable javascript",
	"<noscript>enable javascript",
}

// IsSufficient reports whether a static body has enough rendered content
// that a browser is not needed to inspect it.
func IsSufficient(body []byte) bool {
	if len(body) < 256 {
		return false
	}
	text, markup := textMarkupRatio(body)
	if text+markup == 0 || text < 200 {
		return false
	}
	if float64(text)/float64(text+markup) < 0.10 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, m := range spaShells {
		if bytes.Contains(lower, []byte(m)) {
			return false
		}
	}
	return true
}

// textMarkupRatio counts non-space text bytes against everything else.
// Script and style bodies count as markup.
func textMarkupRatio(body []byte) (text, markup int) {
	z := html.NewTokenizer(bytes.NewReader(body))
	skip := 0
	for {
		tt := z.Next()
		raw := len(z.Raw())
		switch tt {
		case html.ErrorToken:
			return text, markup
		case html.TextToken:
			if skip > 0 {
				markup += raw
				continue
			}
			text += len(strings.Join(strings.Fields(string(z.Text())), ""))
		case html.StartTagToken:
			markup += raw
			if name, _ := z.TagName(); isRawText(name) {
				skip++
			}
		case html.EndTagToken:
			markup += raw
			if name, _ := z.TagName(); isRawText(name) && skip > 0 {
				skip--
			}
		default:
			markup += raw
		}
	}
}

func isRawText(tag []byte) bool {
	return string(tag) == "script" || string(tag) == "style"
}
