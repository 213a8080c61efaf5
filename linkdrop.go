// Package linkdrop assembles the credit-gated download pipeline: chat
// messages carrying resource links are admitted against a credit ledger,
// queued, fetched through a fixed pool of browser execution contexts, and
// delivered back to the requesting conversation. A daily report settles
// usage at a configurable cutover time.
//
// The package wires configuration, storage, the ledger, the pipeline, and
// the operator HTTP surface into one App. Chat transport and browser
// automation are injected by the embedding program, keeping this module
// free of any concrete messenger or browser driver.
package linkdrop

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/mchalios/linkdrop/internal/browser"
	"github.com/mchalios/linkdrop/internal/chat"
	"github.com/mchalios/linkdrop/internal/config"
	"github.com/mchalios/linkdrop/internal/domain"
	"github.com/mchalios/linkdrop/internal/ledger"
	"github.com/mchalios/linkdrop/internal/observability"
	"github.com/mchalios/linkdrop/internal/ops"
	"github.com/mchalios/linkdrop/internal/pipeline"
	"github.com/mchalios/linkdrop/internal/repo"
	"github.com/mchalios/linkdrop/internal/sysutil"
)

// Version is reported to tracing backends and the operator surface.
const Version = "1.0.0"

// Options carries the collaborators the embedding program must provide.
type Options struct {
	// Contexts are the browser execution contexts backing the worker pool.
	// The pool size (and so the download concurrency) is len(Contexts);
	// it should normally match cfg.Workers.
	Contexts []browser.ExecContext

	// Messenger sends files and text into chat conversations.
	Messenger chat.Messenger

	// Reporter receives operational error notices (admin chat, log sink).
	// When nil, errors are only logged.
	Reporter chat.Reporter
}

// App is the assembled service. Create it with New, start it with Run, and
// stop it with Shutdown.
type App struct {
	cfg      config.Config
	db       *gorm.DB
	ledger   *ledger.Ledger
	pool     *browser.Pool
	pipeline *pipeline.Pipeline
	opsSrv   *ops.Server
	otelStop func(context.Context) error
	log      zerolog.Logger
}

// logReporter is the fallback error sink when no chat.Reporter is injected.
type logReporter struct{ log zerolog.Logger }

func (r logReporter) ReportError(where, msg string) {
	r.log.Error().Str("where", where).Msg(msg)
}

// New builds the application from configuration: logging, tracing, the
// SQLite ledger store (migrated on open), the context pool, the pipeline,
// and the operator server. It does not start any background work.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if opts.Messenger == nil {
		return nil, fmt.Errorf("linkdrop: a chat messenger is required")
	}
	if len(opts.Contexts) == 0 {
		return nil, fmt.Errorf("linkdrop: at least one execution context is required")
	}

	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty)
	lg := log.With().Str("service", "linkdrop").Logger()

	otelStop, err := observability.Setup(ctx, cfg.OTEL, Version)
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	if err := sysutil.EnsureDir(cfg.DownloadDir); err != nil {
		return nil, err
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			return nil, fmt.Errorf("enable db tracing: %w", err)
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate ledger store: %w", err)
	}

	led := ledger.New(db, ledger.Config{
		DefaultCredit: cfg.DefaultCredit,
		Cutover:       cfg.Cutover,
	}, lg)

	reporter := opts.Reporter
	if reporter == nil {
		reporter = logReporter{log: lg}
	}

	pool := browser.NewPool(opts.Contexts)
	pipe := pipeline.New(pipeline.Config{
		Workers:        cfg.Workers,
		PopTimeout:     cfg.PopTimeout,
		AcquireTimeout: cfg.AcquireTimeout,
		Cutover:        cfg.Cutover,
		Download: pipeline.DownloadConfig{
			MaxRetries:        cfg.MaxDownloadRetries,
			RetryDelay:        cfg.RetryDelay,
			RateLimitCooldown: cfg.RateLimitCooldown,
			ResponseTimeout:   cfg.ResponseTimeout,
			URLPattern:        cfg.DownloadPattern,
		},
		Delivery: pipeline.DeliveryConfig{
			MaxRetries:   cfg.MaxDeliveryRetries,
			RetryDelay:   cfg.RetryDelay,
			SendDelay:    cfg.SendDelay,
			AllowedTypes: cfg.AllowedTypes,
			IgnoredTypes: cfg.IgnoredTypes,
		},
	}, led, pool, opts.Messenger, reporter, chat.NewRegistry(), lg)

	app := &App{
		cfg:      cfg,
		db:       db,
		ledger:   led,
		pool:     pool,
		pipeline: pipe,
		otelStop: otelStop,
		log:      lg,
	}
	if cfg.OpsAddr != "" {
		// The ops traces carry a service name even when tracing config was
		// left blank (e.g. when OTEL is disabled).
		serviceName := sysutil.FirstNonEmpty(cfg.OTEL.ServiceName, "linkdrop")
		app.opsSrv = ops.NewServer(cfg.OpsAddr, serviceName, db, pipe, lg)
	}
	return app, nil
}

// Run starts the pipeline workers, the daily report schedule, and the
// operator server. It returns immediately; the app then runs until Shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.pipeline.Start(ctx); err != nil {
		return err
	}
	if a.opsSrv != nil {
		a.opsSrv.Start()
	}
	a.log.Info().Str("version", Version).Int("workers", a.cfg.Workers).Msg("linkdrop running")
	return nil
}

// Submit runs one download request through admission on behalf of the chat
// front end. kind selects which balance pays: the individual's, the group's
// shared pot, or the member's own slice.
func (a *App) Submit(ctx context.Context, kind domain.RecipientKind, key, member, resourceID, url string) error {
	target := domain.CreditTarget{Kind: kind, Key: key, Member: member}
	return a.pipeline.Submit(ctx, target, resourceID, url)
}

// Ledger exposes credit administration (top-ups, adjustments, balances).
func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// ReportNow triggers an out-of-schedule daily report, for an admin command.
func (a *App) ReportNow(ctx context.Context) error {
	return a.pipeline.Reporter().RunOnce(ctx)
}

// Shutdown stops accepting work, drains the workers, stops the operator
// server and tracing, and closes the store. Safe to call once after Run.
func (a *App) Shutdown(ctx context.Context) error {
	a.pipeline.Stop()

	var firstErr error
	if a.opsSrv != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.opsSrv.Shutdown(sctx); err != nil {
			firstErr = err
		}
		cancel()
	}
	if a.otelStop != nil {
		if err := a.otelStop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info().Msg("linkdrop stopped")
	return firstErr
}
