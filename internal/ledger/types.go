package ledger

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/expense-assistant/internal/domain"
)

// TrackerSnapshot is the tracker state copied onto every message entry.
type TrackerSnapshot struct {
	// ID is the tracker identifier. Empty for the legacy ungrouped mode.
	ID string `json:"id"`

	// Name is the tracker display name at the time of the message.
	Name string `json:"name"`

	// Type is the tracker type (personal, business, ...).
	Type string `json:"type"`

	// Currency is the tracker default currency.
	Currency string `json:"currency"`

	// Deleted marks history of a tracker that no longer exists.
	Deleted bool `json:"deleted,omitempty"`
}

// Exchange is one side of a logical user/assistant exchange to account for.
type Exchange struct {
	// ExchangeID groups the user message and the assistant answer.
	// Writes repeating a (UserID, ExchangeID, Role) triple correct the
	// earlier write.
	// Empty means a fresh, additive record.
	ExchangeID string

	UserID  string
	Tracker TrackerSnapshot
	Role    domain.ChatRole
	Content string

	// TokenCount is the estimated or actual token usage of Content.
	TokenCount int

	// OccurredAt selects the daily bucket. Zero means now.
	OccurredAt time.Time
}

// MessageEntry is one row of the per-message audit log.
type MessageEntry struct {
	// MessageID is derived from the user id, the exchange id and the role.
	MessageID  string `json:"message_id"`
	ExchangeID string `json:"exchange_id"`

	UserID  string          `json:"user_id"`
	Tracker TrackerSnapshot `json:"tracker"`
	Role    domain.ChatRole `json:"role"`
	Content string          `json:"content"`

	TokenCount int `json:"token_count"`

	// UsageDate is the bucket day of the first write for MessageID.
	UsageDate civil.Date `json:"usage_date"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DailyBucket aggregates usage per (user, tracker, day).
type DailyBucket struct {
	UserID    string     `json:"userId"`
	TrackerID string     `json:"trackerId"`
	Date      civil.Date `json:"date"`

	TotalMessages int64 `json:"totalMessages"`
	UserMessages  int64 `json:"userMessages"`
	AIMessages    int64 `json:"aiMessages"`
	TotalTokens   int64 `json:"totalTokens"`
}

// Store persists message entries and daily buckets.
type Store interface {
	// RecordMessage atomically writes entry and updates its daily bucket.
	// The first write for entry.MessageID inserts the entry and increments
	// the bucket keyed by (UserID, Tracker.ID, UsageDate): TotalMessages and
	// the role counter by one, TotalTokens by TokenCount. A later write for
	// the same MessageID replaces content and token count, keeps the stored
	// UsageDate and tracker and adds only the token difference to that
	// bucket. A stored entry of another user is never touched: the write
	// fails with ErrForeignMessage.
	RecordMessage(ctx context.Context, entry MessageEntry) error

	// DailyBuckets returns buckets of userID between from and to inclusive,
	// ordered by date then tracker. An empty trackerID matches all trackers.
	DailyBuckets(ctx context.Context, userID, trackerID string, from, to civil.Date) ([]DailyBucket, error)

	// MarkTrackerDeleted soft-tags the snapshots of trackerID owned by
	// userID. History stays.
	MarkTrackerDeleted(ctx context.Context, userID, trackerID string) error

	// RenameTracker rewrites name and type in the snapshots of trackerID
	// owned by userID.
	RenameTracker(ctx context.Context, userID, trackerID, name, trackerType string) error

	// PurgeTracker deletes the entries and buckets of trackerID owned by userID.
	PurgeTracker(ctx context.Context, userID, trackerID string) error

	// PurgeUser deletes all entries and buckets of userID.
	PurgeUser(ctx context.Context, userID string) error
}
