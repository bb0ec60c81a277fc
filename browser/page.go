package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/regprobe/page"
)

// rodPage implements page.Page on a live Chrome tab.
type rodPage struct {
	p          *rod.Page
	mgr        *Manager
	navTimeout time.Duration
	log        *slog.Logger
	closed     bool
}

var _ page.Page = (*rodPage)(nil)

func (r *rodPage) URL() string {
	info, err := r.p.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (r *rodPage) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, r.navTimeout)
	defer cancel()

	p := r.p.Context(navCtx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		r.log.Warn("browser: wait load timeout", "url", url, "error", err)
	}
	return nil
}

func (r *rodPage) Title(ctx context.Context) (string, error) {
	res, err := r.p.Context(ctx).Eval(`() => document.title`)
	if err != nil {
		return "", fmt.Errorf("browser: title: %w", err)
	}
	return res.Value.Str(), nil
}

// queryJS describes every match of a selector. Selectors are rebuilt from
// the nearest ancestor id the same way page.Static does.
const queryJS = `(sel) => {
	const path = (el) => {
		const parts = [];
		for (let cur = el; cur && cur.nodeType === 1; cur = cur.parentElement) {
			const tag = cur.tagName.toLowerCase();
			if (cur.id) { parts.unshift(tag + '[id=' + JSON.stringify(cur.id) + ']'); break; }
			if (tag === 'html') { parts.unshift('html'); break; }
			let i = 1;
			for (let s = cur.previousElementSibling; s; s = s.previousElementSibling) i++;
			parts.unshift(tag + ':nth-child(' + i + ')');
		}
		return parts.join(' > ');
	};
	return Array.from(document.querySelectorAll(sel)).map((el) => {
		const attrs = {};
		for (const a of el.attributes) attrs[a.name] = a.value;
		const style = window.getComputedStyle(el);
		const rect = el.getBoundingClientRect();
		return {
			tag: el.tagName.toLowerCase(),
			attrs: attrs,
			text: (el.innerText || el.textContent || '').replace(/\s+/g, ' ').trim().slice(0, 500),
			value: typeof el.value === 'string' ? el.value : '',
			visible: style.display !== 'none' && style.visibility !== 'hidden' && rect.width > 0 && rect.height > 0,
			selector: path(el),
		};
	});
}`

func (r *rodPage) Query(ctx context.Context, selector string) ([]page.Element, error) {
	res, err := r.p.Context(ctx).Eval(queryJS, selector)
	if err != nil {
		return nil, fmt.Errorf("browser: query %s: %w", selector, err)
	}
	var out []page.Element
	if err := res.Value.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("browser: decode query: %w", err)
	}
	return out, nil
}

func (r *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	ok, el, err := r.p.Context(ctx).Has(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: find %s: %w", selector, err)
	}
	if !ok {
		return nil, page.ErrNotFound
	}
	return el, nil
}

func (r *rodPage) Visible(ctx context.Context, selector string) (bool, error) {
	el, err := r.element(ctx, selector)
	if errors.Is(err, page.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return el.Visible()
}

func (r *rodPage) Value(ctx context.Context, selector string) (string, error) {
	el, err := r.element(ctx, selector)
	if err != nil {
		return "", err
	}
	v, err := el.Property("value")
	if err != nil {
		return "", fmt.Errorf("browser: value %s: %w", selector, err)
	}
	if v.Nil() {
		return "", nil
	}
	return v.Str(), nil
}

func (r *rodPage) Text(ctx context.Context, selector string) (string, error) {
	el, err := r.element(ctx, selector)
	if err != nil {
		return "", err
	}
	return el.Text()
}

func (r *rodPage) Attr(ctx context.Context, selector, name string) (string, error) {
	el, err := r.element(ctx, selector)
	if err != nil {
		return "", err
	}
	v, err := el.Attribute(name)
	if err != nil || v == nil {
		return "", err
	}
	return *v, nil
}

func (r *rodPage) Click(ctx context.Context, selector string) error {
	el, err := r.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		r.log.Debug("browser: scroll into view", "selector", selector, "error", err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (r *rodPage) Fill(ctx context.Context, selector, value string) error {
	el, err := r.element(ctx, selector)
	if err != nil {
		return err
	}
	tag, err := el.Eval(`() => this.tagName.toLowerCase()`)
	if err != nil {
		return fmt.Errorf("browser: fill %s: %w", selector, err)
	}
	if tag.Value.Str() == "select" {
		res, err := el.Eval(selectOptionJS, value)
		if err != nil {
			return fmt.Errorf("browser: select %s=%q: %w", selector, value, err)
		}
		if !res.Value.Bool() {
			return fmt.Errorf("browser: no option %q in %s", value, selector)
		}
		return nil
	}
	if err := el.SelectAllText(); err != nil {
		r.log.Debug("browser: select all text", "selector", selector, "error", err)
	}
	return el.Input(value)
}

// selectOptionJS picks the first option whose value or trimmed label
// equals v, ignoring case, and fires input and change.
const selectOptionJS = `(v) => {
	const want = String(v).toLowerCase();
	const opt = Array.from(this.options).find((o) =>
		(o.hasAttribute('value') && o.value.toLowerCase() === want) ||
		o.label.trim().toLowerCase() === want);
	if (!opt) return false;
	this.value = opt.value;
	opt.selected = true;
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`

func (r *rodPage) Check(ctx context.Context, selector string) error {
	el, err := r.element(ctx, selector)
	if err != nil {
		return err
	}
	checked, err := el.Property("checked")
	if err == nil && checked.Bool() {
		return nil
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (r *rodPage) BodyText(ctx context.Context) (string, error) {
	res, err := r.p.Context(ctx).Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return "", fmt.Errorf("browser: body text: %w", err)
	}
	return res.Value.Str(), nil
}

func (r *rodPage) HTML(ctx context.Context) (string, error) {
	return r.p.Context(ctx).HTML()
}

func (r *rodPage) Scripts(ctx context.Context) ([]string, error) {
	res, err := r.p.Context(ctx).Eval(`() => Array.from(document.querySelectorAll('script:not([src])')).map((s) => s.textContent).filter((t) => t.trim() !== '')`)
	if err != nil {
		return nil, fmt.Errorf("browser: scripts: %w", err)
	}
	var out []string
	if err := res.Value.Unmarshal(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *rodPage) Probe(ctx context.Context, expr string) (bool, error) {
	res, err := r.p.Context(ctx).Eval(`() => { try { return Boolean(` + expr + `); } catch (e) { return false; } }`)
	if err != nil {
		return false, fmt.Errorf("browser: probe: %w", err)
	}
	return res.Value.Bool(), nil
}

func (r *rodPage) ClearState(ctx context.Context) error {
	p := r.p.Context(ctx)
	if err := (proto.NetworkClearBrowserCookies{}).Call(p); err != nil {
		return fmt.Errorf("browser: clear cookies: %w", err)
	}
	_, err := p.Eval(`() => { try { localStorage.clear(); sessionStorage.clear(); } catch (e) {} }`)
	if err != nil {
		return fmt.Errorf("browser: clear storage: %w", err)
	}
	return nil
}

func (r *rodPage) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.mgr.release()
	return r.p.Close()
}
