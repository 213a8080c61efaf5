// Package repo implements the data persistence layer for the ledger,
// backed by GORM. This file provides repository functions for credit
// holders and download accounting.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. Synchronization is the caller's job;
// the ledger service wraps these in its own single-writer critical section.
//
// Error semantics:
//   - When a credit row is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - Ensure* treats a unique-constraint violation as success, so concurrent
//     first references to the same holder are harmless.
//   - On other DB errors (connectivity, constraint violations), the raw gorm
//     error is propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mchalios/linkdrop/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the ledger service.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrUnknownKind is returned when a CreditTarget carries a kind outside the
// three known recipient kinds.
var ErrUnknownKind = errors.New("unknown recipient kind")

// isDuplicate detects unique-constraint violations across drivers that may
// not map to gorm.ErrDuplicatedKey. glebarez/sqlite often returns plain-text
// errors for UNIQUE violations.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}

// EnsureRecipient inserts an individual credit holder with the given starting
// credit if no row exists for key. An existing row (including its balance) is
// left untouched.
func EnsureRecipient(ctx context.Context, db *gorm.DB, key string, credit int64) error {
	r := &domain.Recipient{Key: key, Credit: credit, CreatedAt: time.Now().UTC()}
	if err := db.WithContext(ctx).Create(r).Error; err != nil && !isDuplicate(err) {
		return err
	}
	return nil
}

// EnsureGroup inserts a group row if absent. For whole groups the starting
// credit is the group-shared balance; non-whole groups keep zero group-level
// credit and track balances on their members instead. An existing row is
// never overwritten, so flipping Whole requires an administrative change.
func EnsureGroup(ctx context.Context, db *gorm.DB, key string, whole bool, credit int64) error {
	g := &domain.Group{Key: key, Whole: whole, CreatedAt: time.Now().UTC()}
	if whole {
		g.Credit = credit
	}
	if err := db.WithContext(ctx).Create(g).Error; err != nil && !isDuplicate(err) {
		return err
	}
	return nil
}

// EnsureMember inserts a member row for (group, nick) with the given starting
// credit if absent. An existing row is left untouched.
func EnsureMember(ctx context.Context, db *gorm.DB, group, nick string, credit int64) error {
	m := &domain.GroupMember{GroupKey: group, Nick: nick, Credit: credit, CreatedAt: time.Now().UTC()}
	if err := db.WithContext(ctx).Create(m).Error; err != nil && !isDuplicate(err) {
		return err
	}
	return nil
}

// creditQuery scopes db to the single row holding the target's balance.
func creditQuery(ctx context.Context, db *gorm.DB, target domain.CreditTarget) (*gorm.DB, error) {
	switch target.Kind {
	case domain.KindIndividual:
		return db.WithContext(ctx).Model(&domain.Recipient{}).Where("key = ?", target.Key), nil
	case domain.KindWholeGroup:
		return db.WithContext(ctx).Model(&domain.Group{}).Where("key = ?", target.Key), nil
	case domain.KindGroupMember:
		return db.WithContext(ctx).Model(&domain.GroupMember{}).
			Where("group_key = ? AND nick = ?", target.Key, target.Member), nil
	default:
		return nil, ErrUnknownKind
	}
}

// GetCredit returns the target's current balance, or ErrNotFound when the
// holder row does not exist.
func GetCredit(ctx context.Context, db *gorm.DB, target domain.CreditTarget) (int64, error) {
	q, err := creditQuery(ctx, db, target)
	if err != nil {
		return 0, err
	}
	var row struct{ Credit int64 }
	res := q.Select("credit").Limit(1).Find(&row)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	return row.Credit, nil
}

// Deduct subtracts amount from the target's balance only if the balance
// covers it, as a single conditional UPDATE. It returns false with no side
// effects when the balance is insufficient (or the holder row is missing);
// the balance can therefore never go negative.
func Deduct(ctx context.Context, db *gorm.DB, target domain.CreditTarget, amount int64) (bool, error) {
	q, err := creditQuery(ctx, db, target)
	if err != nil {
		return false, err
	}
	res := q.Where("credit >= ?", amount).
		Update("credit", gorm.Expr("credit - ?", amount))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreateDownloadLog appends one immutable log row for a delivered download.
func CreateDownloadLog(ctx context.Context, db *gorm.DB, target domain.CreditTarget, resourceID, link, day string) (*domain.DownloadLog, error) {
	row := &domain.DownloadLog{
		ID:           uuid.NewString(),
		Kind:         target.Kind,
		RecipientKey: target.Key,
		Member:       target.Member,
		ResourceID:   resourceID,
		Link:         link,
		Day:          day,
		CreatedAt:    time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// BumpDailySummary increments the (day, target) summary row, creating it
// with a count of 1 when absent. Callers run this in the same transaction as
// CreateDownloadLog so the two can never diverge.
func BumpDailySummary(ctx context.Context, db *gorm.DB, target domain.CreditTarget, day string) error {
	res := db.WithContext(ctx).Model(&domain.DailySummary{}).
		Where("day = ? AND kind = ? AND recipient_key = ? AND member = ?",
			day, target.Kind, target.Key, target.Member).
		Update("download_count", gorm.Expr("download_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	row := &domain.DailySummary{
		Day:           day,
		Kind:          target.Kind,
		RecipientKey:  target.Key,
		Member:        target.Member,
		DownloadCount: 1,
		CreatedAt:     time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(row).Error
}

// HasDownloadLog reports whether the target already has a delivered download
// logged for resourceID, regardless of day. This is the persisted
// de-duplication check backing "never re-deliver the same resource to the
// same recipient".
func HasDownloadLog(ctx context.Context, db *gorm.DB, target domain.CreditTarget, resourceID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.DownloadLog{}).
		Where("kind = ? AND recipient_key = ? AND member = ? AND resource_id = ?",
			target.Kind, target.Key, target.Member, resourceID).
		Count(&n).Error
	return n > 0, err
}

// SummariesForDay returns every summary row for the given accounting day,
// ordered by recipient for stable report output.
func SummariesForDay(ctx context.Context, db *gorm.DB, day string) ([]domain.DailySummary, error) {
	var out []domain.DailySummary
	err := db.WithContext(ctx).
		Where("day = ?", day).
		Order("kind, recipient_key, member").
		Find(&out).Error
	return out, err
}

// ResetDay deletes the summary rows for one accounting day. Log rows are
// retained; only the incremental counters are cleared.
func ResetDay(ctx context.Context, db *gorm.DB, day string) error {
	return db.WithContext(ctx).
		Where("day = ?", day).
		Delete(&domain.DailySummary{}).Error
}

// CountLogsForDay returns the number of log rows for (target, day). Used to
// verify the summary invariant and by tests.
func CountLogsForDay(ctx context.Context, db *gorm.DB, target domain.CreditTarget, day string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.DownloadLog{}).
		Where("kind = ? AND recipient_key = ? AND member = ? AND day = ?",
			target.Kind, target.Key, target.Member, day).
		Count(&n).Error
	return n, err
}

// ListRecipients returns all individual credit holders ordered by key.
func ListRecipients(ctx context.Context, db *gorm.DB) ([]domain.Recipient, error) {
	var out []domain.Recipient
	err := db.WithContext(ctx).Order("key").Find(&out).Error
	return out, err
}

// ListWholeGroups returns all groups that carry a shared balance.
func ListWholeGroups(ctx context.Context, db *gorm.DB) ([]domain.Group, error) {
	var out []domain.Group
	err := db.WithContext(ctx).Where("whole = ?", true).Order("key").Find(&out).Error
	return out, err
}

// ListMembers returns all per-member credit holders ordered by group and nick.
func ListMembers(ctx context.Context, db *gorm.DB) ([]domain.GroupMember, error) {
	var out []domain.GroupMember
	err := db.WithContext(ctx).Order("group_key, nick").Find(&out).Error
	return out, err
}
