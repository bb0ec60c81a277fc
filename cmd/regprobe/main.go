// Command regprobe provisions disposable mailboxes and probes registration
// forms for bot defenses.
//
// Usage:
//
//	regprobe -config regprobe.yaml                 # provision one mailbox per site and run
//	regprobe -config regprobe.yaml -mailboxes 3    # three mailboxes, every site each
//	regprobe -config regprobe.yaml -scan URL       # HTTP-only defense scan and exit
//	regprobe -config regprobe.yaml -mcp            # serve the inspection tools over stdio
//	regprobe -config regprobe.yaml -listen :9090   # also serve /healthz and /metrics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/regprobe/mailbox"
	"github.com/hazyhaar/regprobe/orchestrator"
	"github.com/hazyhaar/regprobe/probe"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to regprobe.yaml config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	listen := flag.String("listen", "", "ops HTTP address (overrides config)")
	mailboxes := flag.Int("mailboxes", 1, "mailboxes to provision")
	provider := flag.String("provider", mailbox.AutoHint, "provider name, or auto")
	verify := flag.Bool("verify", false, "open verification mails after successful registrations")
	scanURL := flag.String("scan", "", "scan one URL for defenses and exit")
	serveMCP := flag.Bool("mcp", false, "serve MCP inspection tools on stdio")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := runOptions{
		listen:    *listen,
		mailboxes: *mailboxes,
		provider:  *provider,
		verify:    *verify,
		scanURL:   *scanURL,
		mcp:       *serveMCP,
	}
	if err := run(ctx, logger, *configPath, opts); err != nil {
		logger.Error("regprobe: fatal", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	listen    string
	mailboxes int
	provider  string
	verify    bool
	scanURL   string
	mcp       bool
}

func run(ctx context.Context, logger *slog.Logger, configPath string, o runOptions) error {
	cfg := &probe.Config{}
	if configPath != "" {
		var err error
		if cfg, err = probe.LoadConfigFile(configPath); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}

	e, err := probe.New(cfg, probe.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer e.Close()

	if cfg.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           e.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("regprobe: ops listening", "addr", cfg.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("regprobe: ops server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	switch {
	case o.scanURL != "":
		rep, err := e.ScanDefenses(ctx, o.scanURL)
		if err != nil {
			return err
		}
		return printJSON(rep)
	case o.mcp:
		srv := mcp.NewServer(&mcp.Implementation{Name: "regprobe", Version: version}, nil)
		e.RegisterMCP(srv)
		logger.Info("regprobe: serving MCP on stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})
	}

	if len(cfg.Sites) == 0 {
		return errors.New("no sites configured")
	}
	accts, err := e.ProvisionN(ctx, o.mailboxes, o.provider)
	if len(accts) == 0 {
		return fmt.Errorf("provision: %w", err)
	}
	if err != nil {
		logger.Warn("regprobe: fewer mailboxes than requested",
			"requested", o.mailboxes, "got", len(accts), "error", err)
	}

	results := e.Run(ctx, accts, nil)
	if o.verify {
		verifySuccessful(ctx, logger, e, results, accts)
	}

	sum := orchestrator.Summarize(results)
	logger.Info("regprobe: done",
		"success", sum.Success, "failed", sum.Failed, "blocked", sum.Blocked, "skipped", sum.Skipped)
	return printJSON(struct {
		Summary orchestrator.Summary   `json:"summary"`
		Results []*orchestrator.Result `json:"results"`
	}{sum, results})
}

// verifySuccessful opens the verification mail once per account that
// registered successfully at least once.
func verifySuccessful(ctx context.Context, logger *slog.Logger, e *probe.Engine, results []*orchestrator.Result, accts []*mailbox.Account) {
	byAddr := make(map[string]*mailbox.Account, len(accts))
	for _, a := range accts {
		byAddr[a.Address] = a
	}
	for _, r := range results {
		if r == nil || r.Outcome != orchestrator.OutcomeSuccess {
			continue
		}
		acct, ok := byAddr[r.Email]
		if !ok {
			continue
		}
		delete(byAddr, r.Email)
		link, err := e.VerifyMailbox(ctx, acct)
		if err != nil {
			logger.Warn("regprobe: verification failed", "address", acct.Address, "error", err)
			continue
		}
		logger.Info("regprobe: verification", "address", acct.Address, "opened", link.Success, "url", link.URL)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
