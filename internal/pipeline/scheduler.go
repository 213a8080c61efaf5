package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mchalios/linkdrop/internal/chat"
	"github.com/mchalios/linkdrop/internal/domain"
	"github.com/mchalios/linkdrop/internal/ledger"
)

// DailyReporter closes an accounting day at the configured cutover: it reads
// the day's summaries, sends every credit holder a usage-and-balance message
// through the chat channel (best effort), and resets the day's counters.
// Log rows are untouched by the reset.
type DailyReporter struct {
	ledger    *ledger.Ledger
	messenger chat.Messenger
	log       zerolog.Logger
	cron      *cron.Cron

	now func() time.Time // test seam
}

// NewDailyReporter builds the reporter over the ledger and chat channel.
func NewDailyReporter(l *ledger.Ledger, m chat.Messenger, log zerolog.Logger) *DailyReporter {
	return &DailyReporter{
		ledger:    l,
		messenger: m,
		log:       log.With().Str("component", "daily_report").Logger(),
		now:       time.Now,
	}
}

// Start schedules RunOnce at the cutover time of day, every day. A panic or
// error inside one iteration is caught and logged; the schedule keeps
// running.
func (r *DailyReporter) Start(cutover time.Duration) error {
	m := int(cutover.Minutes())
	spec := fmt.Sprintf("%d %d * * *", m%60, m/60)
	r.cron = cron.New()
	_, err := r.cron.AddFunc(spec, func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error().Interface("panic", rec).Msg("daily report iteration panicked")
			}
		}()
		if err := r.RunOnce(context.Background()); err != nil {
			r.log.Error().Err(err).Msg("daily report iteration failed")
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info().Str("schedule", spec).Msg("daily report scheduled")
	return nil
}

// Stop halts the schedule and waits for a running iteration to finish.
func (r *DailyReporter) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// RunOnce closes the accounting day that ends now: entries stamped since
// yesterday's cutover all carry today's calendar date, so the report day is
// simply the current date at the moment the cutover fires.
func (r *DailyReporter) RunOnce(ctx context.Context) error {
	day := r.now().Format("2006-01-02")

	summaries, err := r.ledger.SummariesForDay(ctx, day)
	if err != nil {
		return err
	}
	counts := make(map[domain.CreditTarget]int64, len(summaries))
	for _, s := range summaries {
		counts[domain.CreditTarget{Kind: s.Kind, Key: s.RecipientKey, Member: s.Member}] = s.DownloadCount
	}

	holders, err := r.ledger.Holders(ctx)
	if err != nil {
		return err
	}
	for _, h := range holders {
		msg := reportLine(day, h, counts[h.Target])
		if err := r.messenger.SwitchTo(h.Target.Key); err != nil {
			r.log.Warn().Str("target", h.Target.String()).Err(err).Msg("report delivery skipped")
			continue
		}
		if err := r.messenger.SendText(msg, h.Target.Key); err != nil {
			r.log.Warn().Str("target", h.Target.String()).Err(err).Msg("report delivery failed")
		}
	}

	if err := r.ledger.ResetDay(ctx, day); err != nil {
		return err
	}
	r.log.Info().Str("day", day).Int("holders", len(holders)).Msg("daily report sent and counters reset")
	return nil
}

// reportLine renders one holder's usage-and-balance message.
func reportLine(day string, h ledger.Holder, count int64) string {
	who := h.Target.Key
	if h.Target.Kind == domain.KindGroupMember {
		who = h.Target.Member
	}
	return fmt.Sprintf("[%s] %s: %d download(s) today, %d credit(s) remaining", day, who, count, h.Credit)
}
