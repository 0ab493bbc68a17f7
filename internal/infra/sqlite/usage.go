package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/ledger"
)

// UsageStore is the SQLite implementation of ledger.Store.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a usage store over db.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// RecordMessage implements ledger.Store.
func (s *UsageStore) RecordMessage(ctx context.Context, entry ledger.MessageEntry) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("RecordMessage: begin: %w", err)
	}
	defer tx.Rollback()

	var (
		prevTokens int64
		prevUser   string
		prevTrack  string
		prevDate   string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT token_count, user_id, tracker_id, usage_date
		FROM usage_messages WHERE message_id = ?
	`, entry.MessageID).Scan(&prevTokens, &prevUser, &prevTrack, &prevDate)

	updatedAt := entry.UpdatedAt.UTC().Format(time.RFC3339Nano)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := insertMessage(ctx, tx, entry); err != nil {
			return fmt.Errorf("RecordMessage: %w", err)
		}
		var userMsgs, aiMsgs int
		switch entry.Role {
		case domain.ChatRoleUser:
			userMsgs = 1
		case domain.ChatRoleAssistant:
			aiMsgs = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO usage_daily (user_id, tracker_id, usage_date, total_messages, user_messages, ai_messages, total_tokens)
			VALUES (?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT (user_id, tracker_id, usage_date) DO UPDATE SET
				total_messages = total_messages + excluded.total_messages,
				user_messages = user_messages + excluded.user_messages,
				ai_messages = ai_messages + excluded.ai_messages,
				total_tokens = total_tokens + excluded.total_tokens
		`, entry.UserID, entry.Tracker.ID, entry.UsageDate.String(), userMsgs, aiMsgs, entry.TokenCount)
		if err != nil {
			return fmt.Errorf("RecordMessage: upsert daily bucket: %w", err)
		}

	case err != nil:
		return fmt.Errorf("RecordMessage: load previous entry: %w", err)

	case prevUser != entry.UserID:
		return fmt.Errorf("RecordMessage: message %s: %w", entry.MessageID, ledger.ErrForeignMessage)

	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE usage_messages SET content = ?, token_count = ?, updated_at = ?
			WHERE message_id = ?
		`, entry.Content, entry.TokenCount, updatedAt, entry.MessageID)
		if err != nil {
			return fmt.Errorf("RecordMessage: update entry: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE usage_daily SET total_tokens = total_tokens + ?
			WHERE user_id = ? AND tracker_id = ? AND usage_date = ?
		`, int64(entry.TokenCount)-prevTokens, prevUser, prevTrack, prevDate)
		if err != nil {
			return fmt.Errorf("RecordMessage: correct daily bucket: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("RecordMessage: commit: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, entry ledger.MessageEntry) error {
	deleted := 0
	if entry.Tracker.Deleted {
		deleted = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_messages (
			message_id, exchange_id, user_id,
			tracker_id, tracker_name, tracker_type, tracker_currency, tracker_deleted,
			role, content, token_count, usage_date, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.MessageID, entry.ExchangeID, entry.UserID,
		entry.Tracker.ID, entry.Tracker.Name, entry.Tracker.Type, entry.Tracker.Currency, deleted,
		string(entry.Role), entry.Content, entry.TokenCount, entry.UsageDate.String(),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano), entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// DailyBuckets implements ledger.Store.
func (s *UsageStore) DailyBuckets(ctx context.Context, userID, trackerID string, from, to civil.Date) ([]ledger.DailyBucket, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT user_id, tracker_id, usage_date, total_messages, user_messages, ai_messages, total_tokens
		FROM usage_daily
		WHERE user_id = ?
		  AND (? = '' OR tracker_id = ?)
		  AND usage_date BETWEEN ? AND ?
		ORDER BY usage_date, tracker_id
	`, userID, trackerID, trackerID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("DailyBuckets: query: %w", err)
	}
	defer rows.Close()

	var buckets []ledger.DailyBucket
	for rows.Next() {
		var (
			b    ledger.DailyBucket
			date string
		)
		if err := rows.Scan(&b.UserID, &b.TrackerID, &date, &b.TotalMessages, &b.UserMessages, &b.AIMessages, &b.TotalTokens); err != nil {
			return nil, fmt.Errorf("DailyBuckets: scan: %w", err)
		}
		if b.Date, err = civil.ParseDate(date); err != nil {
			return nil, fmt.Errorf("DailyBuckets: parse date %q: %w", date, err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("DailyBuckets: rows: %w", err)
	}

	return buckets, nil
}

// Message returns the entry stored under messageID.
func (s *UsageStore) Message(ctx context.Context, messageID string) (*ledger.MessageEntry, error) {
	var (
		e                           ledger.MessageEntry
		role, date, created, update string
		deleted                     int
	)
	err := s.db.db.QueryRowContext(ctx, `
		SELECT message_id, exchange_id, user_id,
		       tracker_id, tracker_name, tracker_type, tracker_currency, tracker_deleted,
		       role, content, token_count, usage_date, created_at, updated_at
		FROM usage_messages WHERE message_id = ?
	`, messageID).Scan(
		&e.MessageID, &e.ExchangeID, &e.UserID,
		&e.Tracker.ID, &e.Tracker.Name, &e.Tracker.Type, &e.Tracker.Currency, &deleted,
		&role, &e.Content, &e.TokenCount, &date, &created, &update,
	)
	if err != nil {
		return nil, fmt.Errorf("Message: %w", err)
	}

	e.Role = domain.ChatRole(role)
	e.Tracker.Deleted = deleted == 1
	if e.UsageDate, err = civil.ParseDate(date); err != nil {
		return nil, fmt.Errorf("Message: parse date: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, update)

	return &e, nil
}

// MarkTrackerDeleted implements ledger.Store.
func (s *UsageStore) MarkTrackerDeleted(ctx context.Context, userID, trackerID string) error {
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE usage_messages SET tracker_deleted = 1 WHERE user_id = ? AND tracker_id = ?
	`, userID, trackerID)
	if err != nil {
		return fmt.Errorf("MarkTrackerDeleted: %w", err)
	}
	return nil
}

// RenameTracker implements ledger.Store.
func (s *UsageStore) RenameTracker(ctx context.Context, userID, trackerID, name, trackerType string) error {
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE usage_messages SET tracker_name = ?, tracker_type = ?
		WHERE user_id = ? AND tracker_id = ?
	`, name, trackerType, userID, trackerID)
	if err != nil {
		return fmt.Errorf("RenameTracker: %w", err)
	}
	return nil
}

// PurgeTracker implements ledger.Store.
func (s *UsageStore) PurgeTracker(ctx context.Context, userID, trackerID string) error {
	if err := s.purge(ctx, "user_id = ? AND tracker_id = ?", userID, trackerID); err != nil {
		return fmt.Errorf("PurgeTracker: %w", err)
	}
	return nil
}

// PurgeUser implements ledger.Store.
func (s *UsageStore) PurgeUser(ctx context.Context, userID string) error {
	if err := s.purge(ctx, "user_id = ?", userID); err != nil {
		return fmt.Errorf("PurgeUser: %w", err)
	}
	return nil
}

// purge deletes messages and buckets matching where.
// where is one of the fixed key filters above, never caller input.
func (s *UsageStore) purge(ctx context.Context, where string, args ...interface{}) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"usage_messages", "usage_daily"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+where, args...); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ensure UsageStore implements ledger.Store interface.
var _ ledger.Store = (*UsageStore)(nil)
