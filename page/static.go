package page

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	xhtml "golang.org/x/net/html"
)

// Loader fetches the HTML for a URL. Static uses it for Navigate.
type Loader func(ctx context.Context, url string) (string, error)

// Static is a Page over a parsed HTML document. It backs the HTTP-only scan
// path and the tests; JS probes are unsupported unless canned with
// WithProbe, and clicks only have an effect when registered with
// WithClickResult.
type Static struct {
	mu       sync.Mutex
	url      string
	doc      *goquery.Document
	loader   Loader
	onClick  map[string]string
	probes   map[string]bool
	clicks   []string
	cleared  int
	closed   bool
	stripper *bluemonday.Policy
}

// StaticOption configures a Static page.
type StaticOption func(*Static)

// WithLoader enables Navigate.
func WithLoader(l Loader) StaticOption {
	return func(s *Static) { s.loader = l }
}

// WithClickResult replaces the document with html when selector is clicked.
func WithClickResult(selector, html string) StaticOption {
	return func(s *Static) { s.onClick[selector] = html }
}

// WithProbe cans the result of a JS probe expression.
func WithProbe(expr string, result bool) StaticOption {
	return func(s *Static) { s.probes[expr] = result }
}

// NewStatic parses doc as the page loaded from pageURL.
func NewStatic(pageURL, doc string, opts ...StaticOption) (*Static, error) {
	s := &Static{
		url:      pageURL,
		onClick:  make(map[string]string),
		probes:   make(map[string]bool),
		stripper: bluemonday.StrictPolicy(),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.load(doc); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Static) load(doc string) error {
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return fmt.Errorf("page: parse html: %w", err)
	}
	s.doc = d
	return nil
}

// Clicks returns the selectors clicked so far.
func (s *Static) Clicks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clicks...)
}

// Closed reports whether Close was called.
func (s *Static) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Cleared returns how many times ClearState ran.
func (s *Static) Cleared() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

func (s *Static) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Static) Navigate(ctx context.Context, url string) error {
	if s.loader == nil {
		return ErrUnsupported
	}
	body, err := s.loader(ctx, url)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(body); err != nil {
		return err
	}
	s.url = url
	return nil
}

func (s *Static) Title(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.doc.Find("title").First().Text()), nil
}

func (s *Static) Query(_ context.Context, selector string) ([]Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Element
	s.doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, describe(sel))
	})
	return out, nil
}

func (s *Static) first(selector string) (*goquery.Selection, error) {
	sel := s.doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, ErrNotFound
	}
	return sel, nil
}

func (s *Static) Visible(_ context.Context, selector string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.first(selector)
	if err != nil {
		return false, nil
	}
	return visible(sel), nil
}

func (s *Static) Value(_ context.Context, selector string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.first(selector)
	if err != nil {
		return "", err
	}
	return valueOf(sel), nil
}

func (s *Static) Text(_ context.Context, selector string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.first(selector)
	if err != nil {
		return "", err
	}
	return textOf(sel.Nodes[0]), nil
}

func (s *Static) Attr(_ context.Context, selector, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.first(selector)
	if err != nil {
		return "", err
	}
	v, _ := sel.Attr(name)
	return v, nil
}

func (s *Static) Click(_ context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.first(selector)
	if err != nil {
		return err
	}
	s.clicks = append(s.clicks, selector)
	if strings.EqualFold(sel.AttrOr("type", ""), "checkbox") {
		if _, on := sel.Attr("checked"); on {
			sel.RemoveAttr("checked")
		} else {
			sel.SetAttr("checked", "checked")
		}
	}
	if next, ok := s.onClick[selector]; ok {
		return s.load(next)
	}
	return nil
}

func (s *Static) Fill(_ context.Context, selector, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.first(selector)
	if err != nil {
		return err
	}
	switch goquery.NodeName(sel) {
	case "select":
		var matched bool
		sel.Find("option").Each(func(_ int, opt *goquery.Selection) {
			opt.RemoveAttr("selected")
			if matched {
				return
			}
			v, hasValue := opt.Attr("value")
			label := strings.TrimSpace(opt.Text())
			if (hasValue && strings.EqualFold(v, value)) || strings.EqualFold(label, value) {
				opt.SetAttr("selected", "selected")
				matched = true
			}
		})
		if !matched {
			return fmt.Errorf("page: no option %q in %s", value, selector)
		}
	case "textarea":
		sel.SetText(value)
	default:
		sel.SetAttr("value", value)
	}
	return nil
}

func (s *Static) Check(_ context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, err := s.first(selector)
	if err != nil {
		return err
	}
	sel.SetAttr("checked", "checked")
	return nil
}

func (s *Static) BodyText(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := goquery.OuterHtml(s.doc.Find("body").First())
	if err != nil {
		return "", err
	}
	return collapse(html.UnescapeString(s.stripper.Sanitize(body))), nil
}

func (s *Static) HTML(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Html()
}

func (s *Static) Scripts(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	s.doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		if _, external := sel.Attr("src"); external {
			return
		}
		if body := strings.TrimSpace(sel.Text()); body != "" {
			out = append(out, body)
		}
	})
	return out, nil
}

func (s *Static) Probe(_ context.Context, expr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.probes[expr]
	if !ok {
		return false, ErrUnsupported
	}
	return v, nil
}

func (s *Static) ClearState(context.Context) error {
	s.mu.Lock()
	s.cleared++
	s.mu.Unlock()
	return nil
}

func (s *Static) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func describe(sel *goquery.Selection) Element {
	n := sel.Nodes[0]
	el := Element{
		Tag:      n.Data,
		Attrs:    make(map[string]string, len(n.Attr)),
		Text:     textOf(n),
		Value:    valueOf(sel),
		Visible:  visible(sel),
		Selector: cssPath(n),
	}
	for _, a := range n.Attr {
		el.Attrs[a.Key] = a.Val
	}
	return el
}

func valueOf(sel *goquery.Selection) string {
	switch goquery.NodeName(sel) {
	case "textarea":
		return sel.Text()
	case "select":
		opt := sel.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = sel.Find("option").First()
		}
		return opt.AttrOr("value", strings.TrimSpace(opt.Text()))
	}
	return sel.AttrOr("value", "")
}

// visible approximates rendering: hidden inputs, the hidden attribute and
// inline display:none / visibility:hidden on the element or an ancestor.
func visible(sel *goquery.Selection) bool {
	if strings.EqualFold(sel.AttrOr("type", ""), "hidden") {
		return false
	}
	for n := sel.Nodes[0]; n != nil; n = n.Parent {
		if n.Type != xhtml.ElementNode {
			continue
		}
		for _, a := range n.Attr {
			switch a.Key {
			case "hidden":
				return false
			case "style":
				style := strings.ReplaceAll(strings.ToLower(a.Val), " ", "")
				if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
					return false
				}
			}
		}
	}
	return true
}

// textOf collects the text under n, skipping script, style and noscript.
func textOf(n *xhtml.Node) string {
	var b strings.Builder
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == xhtml.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapse(b.String())
}

// cssPath builds a selector that re-targets n: an id selector when n has an
// id, else a child-indexed path from the nearest ancestor with an id.
func cssPath(n *xhtml.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == xhtml.ElementNode; cur = cur.Parent {
		if id := attr(cur, "id"); id != "" {
			parts = append(parts, fmt.Sprintf("%s[id=%s]", cur.Data, strconv.Quote(id)))
			break
		}
		idx := 1
		for sib := cur.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == xhtml.ElementNode {
				idx++
			}
		}
		if cur.Data == "html" {
			parts = append(parts, "html")
			break
		}
		parts = append(parts, fmt.Sprintf("%s:nth-child(%d)", cur.Data, idx))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func attr(n *xhtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
