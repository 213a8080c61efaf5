package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mchalios/linkdrop/internal/browser"
	"github.com/mchalios/linkdrop/internal/domain"
)

// DownloadConfig carries the download retry policy.
type DownloadConfig struct {
	// MaxRetries bounds how many times a failed attempt is re-entered.
	// The first attempt does not count: MaxRetries = 3 allows 4 attempts.
	MaxRetries int

	// RetryDelay is the fixed pause before re-entering after a timeout or
	// transient automation failure.
	RetryDelay time.Duration

	// RateLimitCooldown is the longer pause used when the remote site
	// signalled a rate limit.
	RateLimitCooldown time.Duration

	// ResponseTimeout bounds the wait for a qualifying network response
	// after the download control was clicked.
	ResponseTimeout time.Duration

	// URLPattern selects which network responses count as the download.
	URLPattern string
}

// downloadState enumerates the per-attempt states of the download machine.
type downloadState int

const (
	stateFetching downloadState = iota
	stateAwaitingConfirmation
	stateAwaitingResponse
)

func (s downloadState) String() string {
	switch s {
	case stateFetching:
		return "fetching"
	case stateAwaitingConfirmation:
		return "awaiting_confirmation"
	case stateAwaitingResponse:
		return "awaiting_network_response"
	}
	return "unknown"
}

// outcome is the terminal classification of one attempt.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeFailed
)

// Downloader drives one task through the download state machine on an
// already-acquired execution context. It owns no shared state; the pipeline
// runs one Downloader call per checked-out context.
type Downloader struct {
	cfg    DownloadConfig
	log    zerolog.Logger
	tracer trace.Tracer

	sleep func(ctx context.Context, d time.Duration) error // test seam
}

// NewDownloader builds a Downloader with the given policy.
func NewDownloader(cfg DownloadConfig, log zerolog.Logger) *Downloader {
	return &Downloader{
		cfg:    cfg,
		log:    log.With().Str("component", "downloader").Logger(),
		tracer: otel.Tracer("linkdrop/pipeline"),
		sleep:  sleepCtx,
	}
}

// Download runs the bounded retry loop for task on ec and returns the local
// path of the completed download. Retries are iterative with an explicit
// counter; exceeding MaxRetries returns ErrRetriesExhausted. A page without
// a title or download control fails immediately with ErrResourceMissing.
// No ledger mutation happens here; accounting belongs to delivery.
func (d *Downloader) Download(ctx context.Context, ec browser.ExecContext, task domain.Task) (string, error) {
	start := time.Now()
	defer func() { downloadDuration.Observe(time.Since(start).Seconds()) }()

	retries := 0
	for {
		path, out, wait, err := d.attempt(ctx, ec, task)
		switch out {
		case outcomeDone:
			downloads.WithLabelValues("done").Inc()
			d.log.Info().Str("task", task.ID).Str("resource", task.ResourceID).
				Str("path", path).Int("retries", retries).Msg("download complete")
			return path, nil
		case outcomeFailed:
			downloads.WithLabelValues("failed").Inc()
			d.log.Warn().Str("task", task.ID).Str("resource", task.ResourceID).
				Err(err).Msg("download failed, not retryable")
			return "", err
		}

		retries++
		if retries > d.cfg.MaxRetries {
			downloads.WithLabelValues("failed").Inc()
			d.log.Warn().Str("task", task.ID).Str("resource", task.ResourceID).
				Int("retries", retries-1).Err(err).Msg("download retries exhausted")
			return "", ErrRetriesExhausted
		}
		downloadRetries.Inc()
		d.log.Debug().Str("task", task.ID).Int("retry", retries).
			Dur("wait", wait).Err(err).Msg("retrying download")
		if err := d.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// attempt runs one pass of the state machine. It returns the download path
// on outcomeDone, and for outcomeRetry the delay to wait before re-entering.
func (d *Downloader) attempt(ctx context.Context, ec browser.ExecContext, task domain.Task) (string, outcome, time.Duration, error) {
	ctx, span := d.tracer.Start(ctx, "pipeline.download.attempt", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.resource_id", task.ResourceID),
	))
	defer span.End()

	state := stateFetching
	for {
		switch state {
		case stateFetching:
			if err := ec.Open(ctx, task.URL); err != nil {
				return "", outcomeRetry, d.cfg.RetryDelay, err
			}
			if _, err := ec.Title(ctx); err != nil {
				if errors.Is(err, browser.ErrControlNotFound) {
					return "", outcomeFailed, 0, ErrResourceMissing
				}
				return "", outcomeRetry, d.cfg.RetryDelay, err
			}
			h, err := ec.FindDownloadControl(ctx)
			if err != nil {
				if errors.Is(err, browser.ErrControlNotFound) {
					return "", outcomeFailed, 0, ErrResourceMissing
				}
				return "", outcomeRetry, d.cfg.RetryDelay, err
			}
			if err := ec.Click(ctx, h); err != nil {
				return "", outcomeRetry, d.cfg.RetryDelay, err
			}
			state = stateAwaitingConfirmation

		case stateAwaitingConfirmation:
			// A modal confirmation (balance/payment) may interpose itself
			// between the click and the network response. Absence is the
			// common case and not an error.
			h, err := ec.FindConfirmationControl(ctx)
			switch {
			case err == nil:
				if err := ec.Click(ctx, h); err != nil {
					return "", outcomeRetry, d.cfg.RetryDelay, err
				}
			case !errors.Is(err, browser.ErrControlNotFound):
				return "", outcomeRetry, d.cfg.RetryDelay, err
			}
			state = stateAwaitingResponse

		case stateAwaitingResponse:
			path, err := ec.AwaitDownload(ctx, d.cfg.URLPattern, d.cfg.ResponseTimeout)
			switch {
			case err == nil:
				return path, outcomeDone, 0, nil
			case errors.Is(err, browser.ErrRateLimited):
				return "", outcomeRetry, d.cfg.RateLimitCooldown, err
			default:
				// Timeout or any other transient automation failure.
				return "", outcomeRetry, d.cfg.RetryDelay, err
			}
		}
	}
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
