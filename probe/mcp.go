package probe

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/regprobe/kit"
)

type scanRequest struct {
	URL string `json:"url"`
}

type planRequest struct {
	URL     string `json:"url"`
	Service string `json:"service"`
}

type profileRequest struct {
	Site  string `json:"site"`
	Limit int    `json:"limit"`
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

var errURLRequired = errors.New("url is required")

// RegisterMCP exposes the engine's inspection operations as MCP tools.
// None of them fills or submits a form.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	mw := func(name string, d time.Duration) kit.Middleware {
		return kit.Chain(kit.Logging(e.logger, name), kit.Timeout(d))
	}

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "regprobe_scan_defenses",
		Description: "Fetch a URL over plain HTTP and classify the bot defenses it shows (captcha, WAF challenge, rate limiting, fingerprinting). Returns findings, a difficulty score in [0,1] and whether the page looks like a registration form.",
		InputSchema: objectSchema([]string{"url"}, map[string]any{
			"url": map[string]any{"type": "string", "description": "absolute http(s) URL"},
		}),
	}, mw("regprobe_scan_defenses", time.Minute)(func(ctx context.Context, req any) (any, error) {
		r := req.(*scanRequest)
		if r.URL == "" {
			return nil, errURLRequired
		}
		return e.ScanDefenses(ctx, r.URL)
	}), kit.DecodeJSON[scanRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "regprobe_plan_retrieval",
		Description: "Load a disposable-mail provider page and plan where its generated address can be read. Returns the page snapshot and the plan with its source (parsed or fallback).",
		InputSchema: objectSchema([]string{"url"}, map[string]any{
			"url":     map[string]any{"type": "string", "description": "absolute http(s) URL"},
			"service": map[string]any{"type": "string", "description": "provider name; defaults to the host"},
		}),
	}, mw("regprobe_plan_retrieval", 2*time.Minute)(func(ctx context.Context, req any) (any, error) {
		r := req.(*planRequest)
		if r.URL == "" {
			return nil, errURLRequired
		}
		return e.PlanRetrieval(ctx, r.URL, r.Service)
	}), kit.DecodeJSON[planRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "regprobe_site_profile",
		Description: "Read the stored profile of a surveyed site by URL or name: difficulty, attempt counts, recent attempts and defense counts.",
		InputSchema: objectSchema([]string{"site"}, map[string]any{
			"site":  map[string]any{"type": "string", "description": "site URL or name"},
			"limit": map[string]any{"type": "integer", "description": "max recent attempts (default 20)"},
		}),
	}, mw("regprobe_site_profile", 10*time.Second)(func(ctx context.Context, req any) (any, error) {
		r := req.(*profileRequest)
		if r.Site == "" {
			return nil, errors.New("site is required")
		}
		return e.SiteProfile(ctx, r.Site, r.Limit)
	}), kit.DecodeJSON[profileRequest]())
}
