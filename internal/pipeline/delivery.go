package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mchalios/linkdrop/internal/chat"
	"github.com/mchalios/linkdrop/internal/domain"
	"github.com/mchalios/linkdrop/internal/ledger"
)

// DeliveryConfig carries the delivery retry and pacing policy.
type DeliveryConfig struct {
	// MaxRetries bounds send re-attempts after the first failure.
	MaxRetries int

	// RetryDelay is the fixed pause between send attempts.
	RetryDelay time.Duration

	// SendDelay paces consecutive sends so the chat channel's own rate
	// limits are respected. Applied before every send.
	SendDelay time.Duration

	// AllowedTypes, when non-empty, whitelists file extensions (without
	// dot, lower case) that may be delivered. IgnoredTypes blacklists
	// extensions regardless of the whitelist.
	AllowedTypes []string
	IgnoredTypes []string
}

// Deliverer sends completed downloads through the chat channel and performs
// the accounting that makes a download "count": one credit deducted and the
// log/summary rows written, all inside a single ledger transaction. The
// local file is removed only after that transaction committed.
type Deliverer struct {
	messenger chat.Messenger
	reporter  chat.Reporter
	ledger    *ledger.Ledger
	registry  *chat.Registry
	limiter   *rate.Limiter
	cfg       DeliveryConfig
	log       zerolog.Logger

	remove func(string) error                              // test seam
	sleep  func(ctx context.Context, d time.Duration) error // test seam
}

// NewDeliverer builds the delivery stage.
func NewDeliverer(m chat.Messenger, r chat.Reporter, l *ledger.Ledger, reg *chat.Registry, cfg DeliveryConfig, log zerolog.Logger) *Deliverer {
	limit := rate.Inf
	if cfg.SendDelay > 0 {
		limit = rate.Every(cfg.SendDelay)
	}
	return &Deliverer{
		messenger: m,
		reporter:  r,
		ledger:    l,
		registry:  reg,
		limiter:   rate.NewLimiter(limit, 1),
		cfg:       cfg,
		log:       log.With().Str("component", "delivery").Logger(),
		remove:    os.Remove,
		sleep:     sleepCtx,
	}
}

// allowed applies the file-type filters to a local path.
func (d *Deliverer) allowed(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, t := range d.cfg.IgnoredTypes {
		if ext == strings.ToLower(t) {
			return false
		}
	}
	if len(d.cfg.AllowedTypes) == 0 {
		return true
	}
	for _, t := range d.cfg.AllowedTypes {
		if ext == strings.ToLower(t) {
			return true
		}
	}
	return false
}

// Deliver sends the file at path for task with bounded retries.
//
// On success it settles the ledger (deduct + log + summary in one
// transaction) and removes the file. A ledger failure preserves the file and
// is reported; the task is not treated as delivered. Retry exhaustion
// preserves the file, reports through the error channel, and returns
// ErrDeliveryFailed.
func (d *Deliverer) Deliver(ctx context.Context, task domain.Task, path string) error {
	if !d.allowed(path) {
		deliveries.WithLabelValues("blocked").Inc()
		d.log.Info().Str("task", task.ID).Str("path", path).Msg("file type blocked, not delivered")
		return ErrFileTypeBlocked
	}

	// The conversation counts as actively listened for the duration of the
	// delivery.
	conv := task.Target.Key
	d.registry.Add(conv)
	defer d.registry.Remove(conv)

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.cfg.RetryDelay); err != nil {
				return err
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}

		if err := d.send(path, conv); err != nil {
			lastErr = err
			d.log.Warn().Str("task", task.ID).Int("attempt", attempt+1).
				Err(err).Msg("delivery attempt failed")
			continue
		}
		return d.settle(ctx, task, path)
	}

	deliveries.WithLabelValues("failed").Inc()
	d.reporter.ReportError("delivery",
		fmt.Sprintf("giving up on %s for %s after %d attempts: %v (file kept at %s)",
			task.ResourceID, task.Target, d.cfg.MaxRetries+1, lastErr, path))
	return ErrDeliveryFailed
}

// send performs one switch-and-send against the chat channel.
func (d *Deliverer) send(path, conv string) error {
	if err := d.messenger.SwitchTo(conv); err != nil {
		return err
	}
	return d.messenger.SendFile(path, conv)
}

// settle runs the post-send accounting and file cleanup.
func (d *Deliverer) settle(ctx context.Context, task domain.Task, path string) error {
	settled, err := d.ledger.Settle(ctx, task.Target, task.ResourceID, task.URL)
	if err != nil {
		// The file was sent but the accounting is unknown; keep the file
		// and surface the failure rather than assume the deduction held.
		deliveries.WithLabelValues("failed").Inc()
		d.reporter.ReportError("ledger",
			fmt.Sprintf("settle failed for %s / %s: %v (file kept at %s)",
				task.Target, task.ResourceID, err, path))
		return err
	}
	if !settled {
		// The balance raced to zero between admission and delivery. The file
		// was already sent, so the download must still be logged: without the
		// log row the resource would stay re-admissible for this recipient.
		if err := d.ledger.RecordDownload(ctx, task.Target, task.ResourceID, task.URL); err != nil {
			deliveries.WithLabelValues("failed").Inc()
			d.reporter.ReportError("ledger",
				fmt.Sprintf("record failed for %s / %s after send without credit: %v (file kept at %s)",
					task.Target, task.ResourceID, err, path))
			return err
		}
		d.log.Warn().Str("task", task.ID).Str("target", task.Target.String()).
			Msg("delivered without remaining credit; download logged, no deduction")
	}
	if err := d.remove(path); err != nil {
		d.log.Warn().Str("path", path).Err(err).Msg("could not remove delivered file")
	}
	deliveries.WithLabelValues("sent").Inc()
	d.log.Info().Str("task", task.ID).Str("target", task.Target.String()).
		Str("resource", task.ResourceID).Msg("delivered")
	return nil
}
