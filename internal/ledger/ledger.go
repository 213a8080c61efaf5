// Package ledger implements the durable credit and accounting store that
// gates the download pipeline. It owns the single GORM handle and serializes
// every mutating operation through one critical section, so balance updates,
// download logs, and the incremental daily summary can never diverge under
// concurrent callers.
//
// Invariants upheld here:
//   - A balance is never negative: deduction is a conditional UPDATE that
//     re-validates the balance atomically.
//   - A deduction and its DownloadLog/DailySummary rows are one atomic unit
//     (Settle runs all three inside a single transaction).
//   - DailySummary.download_count always equals the number of DownloadLog
//     rows for the same (day, recipient), because both are written in the
//     same transaction.
//
// The raw *gorm.DB is never exposed; all access goes through the Ledger's
// operations.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mchalios/linkdrop/internal/domain"
	"github.com/mchalios/linkdrop/internal/repo"
)

// Config carries the ledger policy values.
type Config struct {
	// DefaultCredit is the starting balance given to any credit holder the
	// first time it is referenced.
	DefaultCredit int64

	// Cutover is the time of day, as an offset from local midnight, at which
	// an accounting day closes. A download at or after the cutover counts
	// toward the next calendar day.
	Cutover time.Duration
}

// Holder pairs a credit target with its current balance, as read for the
// daily report.
type Holder struct {
	Target domain.CreditTarget
	Credit int64
}

// Ledger is the durable store of credit balances and download accounting.
// All mutating operations are serialized through an internal mutex (one
// logical writer); reads are unsynchronized snapshots, which is safe because
// Deduct and Settle re-validate their conditions atomically.
type Ledger struct {
	db  *gorm.DB
	cfg Config
	log zerolog.Logger

	mu sync.Mutex

	now func() time.Time // test seam
}

// New builds a Ledger over an opened and migrated database handle.
func New(db *gorm.DB, cfg Config, log zerolog.Logger) *Ledger {
	return &Ledger{
		db:  db,
		cfg: cfg,
		log: log.With().Str("component", "ledger").Logger(),
		now: time.Now,
	}
}

// AccountingDay maps an instant to the accounting day it counts toward:
// the calendar day of t, or the next one when t falls at or after the
// configured cutover time of day.
func (l *Ledger) AccountingDay(t time.Time) string {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	if t.Sub(midnight) >= l.cfg.Cutover {
		t = t.AddDate(0, 0, 1)
	}
	return t.Format("2006-01-02")
}

// Today returns the accounting day of the current instant.
func (l *Ledger) Today() string { return l.AccountingDay(l.now()) }

// EnsureRecipient creates the individual holder with the default starting
// credit if absent. Existing balances are never overwritten.
func (l *Ledger) EnsureRecipient(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return repo.EnsureRecipient(ctx, l.db, key, l.cfg.DefaultCredit)
}

// EnsureGroup creates the group row if absent. Whole groups start with the
// default credit as their shared balance.
func (l *Ledger) EnsureGroup(ctx context.Context, key string, whole bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return repo.EnsureGroup(ctx, l.db, key, whole, l.cfg.DefaultCredit)
}

// EnsureMember creates the (group, nick) holder with the default starting
// credit if absent.
func (l *Ledger) EnsureMember(ctx context.Context, group, nick string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return repo.EnsureMember(ctx, l.db, group, nick, l.cfg.DefaultCredit)
}

// EnsureTarget upserts whatever rows the target needs to exist: the holder
// row itself, plus the owning group row for member targets.
func (l *Ledger) EnsureTarget(ctx context.Context, target domain.CreditTarget) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch target.Kind {
	case domain.KindIndividual:
		return repo.EnsureRecipient(ctx, l.db, target.Key, l.cfg.DefaultCredit)
	case domain.KindWholeGroup:
		return repo.EnsureGroup(ctx, l.db, target.Key, true, l.cfg.DefaultCredit)
	case domain.KindGroupMember:
		if err := repo.EnsureGroup(ctx, l.db, target.Key, false, l.cfg.DefaultCredit); err != nil {
			return err
		}
		return repo.EnsureMember(ctx, l.db, target.Key, target.Member, l.cfg.DefaultCredit)
	default:
		return repo.ErrUnknownKind
	}
}

// HasCredit reports whether the target's balance covers amount. It ensures
// the holder exists first, so a first-ever reference sees the default
// starting credit. The answer is advisory: only Deduct/Settle decide
// authoritatively, re-checking the balance atomically.
func (l *Ledger) HasCredit(ctx context.Context, target domain.CreditTarget, amount int64) (bool, error) {
	if err := l.EnsureTarget(ctx, target); err != nil {
		return false, err
	}
	credit, err := repo.GetCredit(ctx, l.db, target)
	if err != nil {
		return false, err
	}
	return credit >= amount, nil
}

// Credit returns the target's current balance.
func (l *Ledger) Credit(ctx context.Context, target domain.CreditTarget) (int64, error) {
	return repo.GetCredit(ctx, l.db, target)
}

// Deduct conditionally subtracts amount from the target's balance. It
// returns false without side effects when the balance is insufficient.
func (l *Ledger) Deduct(ctx context.Context, target domain.CreditTarget, amount int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return repo.Deduct(ctx, l.db, target, amount)
}

// Adjust applies an administrative credit change (positive or negative).
// A negative delta that would overdraw the balance returns false with no
// side effects.
func (l *Ledger) Adjust(ctx context.Context, target domain.CreditTarget, delta int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if delta < 0 {
		return repo.Deduct(ctx, l.db, target, -delta)
	}
	q := l.db.WithContext(ctx)
	var res *gorm.DB
	switch target.Kind {
	case domain.KindIndividual:
		res = q.Model(&domain.Recipient{}).Where("key = ?", target.Key).
			Update("credit", gorm.Expr("credit + ?", delta))
	case domain.KindWholeGroup:
		res = q.Model(&domain.Group{}).Where("key = ?", target.Key).
			Update("credit", gorm.Expr("credit + ?", delta))
	case domain.KindGroupMember:
		res = q.Model(&domain.GroupMember{}).
			Where("group_key = ? AND nick = ?", target.Key, target.Member).
			Update("credit", gorm.Expr("credit + ?", delta))
	default:
		return false, repo.ErrUnknownKind
	}
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecordDownload appends a DownloadLog row and bumps the matching
// DailySummary row in one transaction, dated by the accounting-day rule.
func (l *Ledger) RecordDownload(ctx context.Context, target domain.CreditTarget, resourceID, link string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	day := l.AccountingDay(l.now())
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.CreateDownloadLog(ctx, tx, target, resourceID, link, day); err != nil {
			return err
		}
		return repo.BumpDailySummary(ctx, tx, target, day)
	})
}

// Settle performs the delivery-side accounting as one atomic unit: deduct
// one credit, append the DownloadLog row, and bump the DailySummary row.
// It returns false (with the transaction rolled back) when the balance is
// insufficient; on any error nothing is committed.
func (l *Ledger) Settle(ctx context.Context, target domain.CreditTarget, resourceID, link string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	day := l.AccountingDay(l.now())

	settled := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := repo.Deduct(ctx, tx, target, 1)
		if err != nil {
			return err
		}
		if !ok {
			return nil // leave settled false, commit nothing of substance
		}
		if _, err := repo.CreateDownloadLog(ctx, tx, target, resourceID, link, day); err != nil {
			return err
		}
		if err := repo.BumpDailySummary(ctx, tx, target, day); err != nil {
			return err
		}
		settled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !settled {
		l.log.Warn().Str("target", target.String()).Str("resource", resourceID).
			Msg("settle found insufficient credit after delivery")
	}
	return settled, nil
}

// Delivered reports whether the target already has a delivered download
// logged for resourceID. This is the persisted de-duplication check used at
// admission time.
func (l *Ledger) Delivered(ctx context.Context, target domain.CreditTarget, resourceID string) (bool, error) {
	return repo.HasDownloadLog(ctx, l.db, target, resourceID)
}

// SummariesForDay returns the accounting rows for one day.
func (l *Ledger) SummariesForDay(ctx context.Context, day string) ([]domain.DailySummary, error) {
	return repo.SummariesForDay(ctx, l.db, day)
}

// ResetDay clears the summary counters for one day. Log rows are retained.
func (l *Ledger) ResetDay(ctx context.Context, day string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return repo.ResetDay(ctx, l.db, day)
}

// CountLogsForDay returns the number of DownloadLog rows for (target, day).
func (l *Ledger) CountLogsForDay(ctx context.Context, target domain.CreditTarget, day string) (int64, error) {
	return repo.CountLogsForDay(ctx, l.db, target, day)
}

// Holders returns every credit holder with its current balance, for the
// daily report: individuals, whole groups, and members of non-whole groups.
func (l *Ledger) Holders(ctx context.Context) ([]Holder, error) {
	var out []Holder

	rs, err := repo.ListRecipients(ctx, l.db)
	if err != nil {
		return nil, err
	}
	for _, r := range rs {
		out = append(out, Holder{
			Target: domain.CreditTarget{Kind: domain.KindIndividual, Key: r.Key},
			Credit: r.Credit,
		})
	}

	gs, err := repo.ListWholeGroups(ctx, l.db)
	if err != nil {
		return nil, err
	}
	for _, g := range gs {
		out = append(out, Holder{
			Target: domain.CreditTarget{Kind: domain.KindWholeGroup, Key: g.Key},
			Credit: g.Credit,
		})
	}

	ms, err := repo.ListMembers(ctx, l.db)
	if err != nil {
		return nil, err
	}
	for _, m := range ms {
		out = append(out, Holder{
			Target: domain.CreditTarget{Kind: domain.KindGroupMember, Key: m.GroupKey, Member: m.Nick},
			Credit: m.Credit,
		})
	}
	return out, nil
}
