// Package domain defines the persistence models for credit holders and
// download accounting, plus the transient value types that flow through the
// pipeline. The persisted types are mapped with GORM and form the ledger's
// data layer.
package domain

import (
	"time"
)

// RecipientKind distinguishes how credit is tracked for a delivery target.
type RecipientKind string

const (
	// KindIndividual is a direct conversation with one person; credit lives
	// on the Recipient row.
	KindIndividual RecipientKind = "individual"

	// KindWholeGroup is a group whose members share one group-level balance.
	KindWholeGroup RecipientKind = "whole_group"

	// KindGroupMember is a member of a non-whole group; credit lives on the
	// GroupMember row keyed by (group, nick).
	KindGroupMember RecipientKind = "group_member"
)

// Valid reports whether k is one of the three known kinds.
func (k RecipientKind) Valid() bool {
	switch k {
	case KindIndividual, KindWholeGroup, KindGroupMember:
		return true
	}
	return false
}

// CreditTarget addresses a single balance in the ledger. For
// KindGroupMember, Key is the group identity and Member the nickname;
// otherwise Member is empty.
type CreditTarget struct {
	Kind   RecipientKind
	Key    string
	Member string
}

// String renders the target for logs and report lines.
func (t CreditTarget) String() string {
	if t.Kind == KindGroupMember {
		return string(t.Kind) + ":" + t.Key + "/" + t.Member
	}
	return string(t.Kind) + ":" + t.Key
}

// Task is an admitted download request. Tasks live only in the queue; they
// are never persisted, so an in-flight task is lost on restart and will be
// re-admitted by the next matching chat message.
//
// Fields:
//   - ID: UUID assigned at admission, used for log correlation.
//   - ResourceID: canonical resource identifier extracted from the URL;
//     the de-duplication key together with Target.
//   - URL: the page the download is driven from.
//   - Target: the balance that pays for (and receives) the download.
type Task struct {
	ID         string
	ResourceID string
	URL        string
	Target     CreditTarget
}

// Recipient is an individual credit holder, created on first reference with
// the configured default credit and mutated only through the ledger.
type Recipient struct {
	Key       string    `json:"key"    gorm:"type:varchar(128);primaryKey"`
	Credit    int64     `json:"credit" gorm:"not null;default:0;check:credit >= 0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Recipient.
func (Recipient) TableName() string { return "recipients" }

// Group is a chat group. When Whole is true the group carries its own
// shared balance; otherwise Credit is unused and balances live on the
// GroupMember rows.
type Group struct {
	Key       string    `json:"key"    gorm:"type:varchar(128);primaryKey"`
	Whole     bool      `json:"whole"  gorm:"not null;default:false"`
	Credit    int64     `json:"credit" gorm:"not null;default:0;check:credit >= 0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Group.
func (Group) TableName() string { return "groups" }

// GroupMember is a member of a non-whole group, created lazily the first
// time a message from that member is admitted.
type GroupMember struct {
	ID        uint64    `json:"id"        gorm:"primaryKey"`
	GroupKey  string    `json:"group_key" gorm:"type:varchar(128);not null;uniqueIndex:ux_group_member"`
	Nick      string    `json:"nick"      gorm:"type:varchar(128);not null;uniqueIndex:ux_group_member"`
	Credit    int64     `json:"credit"    gorm:"not null;default:0;check:credit >= 0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for GroupMember.
func (GroupMember) TableName() string { return "group_members" }

// DownloadLog is an immutable append-only record of one delivered download.
// Day is the accounting day the download counts toward (times at or after
// the cutover roll into the next calendar day), stored as "2006-01-02".
type DownloadLog struct {
	ID           string        `json:"id"            gorm:"type:char(36);primaryKey"`
	Kind         RecipientKind `json:"kind"          gorm:"type:varchar(16);not null;index:idx_log_target,priority:1"`
	RecipientKey string        `json:"recipient_key" gorm:"type:varchar(128);not null;index:idx_log_target,priority:2"`
	Member       string        `json:"member"        gorm:"type:varchar(128);not null;default:'';index:idx_log_target,priority:3"`
	ResourceID   string        `json:"resource_id"   gorm:"type:varchar(64);not null;index:idx_log_target,priority:4"`
	Link         string        `json:"link"          gorm:"type:text;not null"`
	Day          string        `json:"day"           gorm:"type:varchar(10);not null;index"`
	CreatedAt    time.Time     `json:"created_at"`
}

// TableName returns the database table name for DownloadLog.
func (DownloadLog) TableName() string { return "download_logs" }

// DailySummary holds the incremental per-day, per-recipient download count.
// One row per (day, target), upserted on every recorded download. The count
// must always equal the number of DownloadLog rows for the same day and
// target; rows for a day are deleted after the daily report is sent while
// the log rows themselves are retained.
type DailySummary struct {
	ID            uint64        `json:"id"             gorm:"primaryKey"`
	Day           string        `json:"day"            gorm:"type:varchar(10);not null;uniqueIndex:ux_summary_day_target"`
	Kind          RecipientKind `json:"kind"           gorm:"type:varchar(16);not null;uniqueIndex:ux_summary_day_target"`
	RecipientKey  string        `json:"recipient_key"  gorm:"type:varchar(128);not null;uniqueIndex:ux_summary_day_target"`
	Member        string        `json:"member"         gorm:"type:varchar(128);not null;default:'';uniqueIndex:ux_summary_day_target"`
	DownloadCount int64         `json:"download_count" gorm:"not null;default:0"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// TableName returns the database table name for DailySummary.
func (DailySummary) TableName() string { return "daily_download_summary" }
