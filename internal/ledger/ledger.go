package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/logger"
	"github.com/google/uuid"
)

// ErrInvalidArgument is returned for requests the ledger rejects before storage.
var ErrInvalidArgument = errors.New("ledger: invalid argument")

// ErrForeignMessage is returned by stores when a write targets a message id
// already recorded for another user.
var ErrForeignMessage = errors.New("ledger: message belongs to another user")

// Ledger records token usage per message and per (user, tracker, day).
type Ledger struct {
	store Store
	loc   *time.Location
	now   func() time.Time
	newID func() string
}

// New creates a Ledger over store. Daily buckets are cut in loc, UTC if nil.
func New(store Store, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		store: store,
		loc:   loc,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// MessageID returns the log key of one side of an exchange. Exchange ids
// come from clients, so the key is scoped to the user.
func MessageID(userID, exchangeID string, role domain.ChatRole) string {
	return userID + ":" + exchangeID + ":" + string(role)
}

// RecordExchange writes one side of an exchange. Repeating the call with the
// same UserID, ExchangeID and Role corrects the token count without counting
// the message twice. A cancelled ctx writes nothing.
func (l *Ledger) RecordExchange(ctx context.Context, ex Exchange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateExchange(ex); err != nil {
		return err
	}

	if ex.ExchangeID == "" {
		ex.ExchangeID = l.newID()
	}
	now := l.now()
	occurredAt := ex.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	entry := MessageEntry{
		MessageID:  MessageID(ex.UserID, ex.ExchangeID, ex.Role),
		ExchangeID: ex.ExchangeID,
		UserID:     ex.UserID,
		Tracker:    ex.Tracker,
		Role:       ex.Role,
		Content:    ex.Content,
		TokenCount: ex.TokenCount,
		UsageDate:  civil.DateOf(occurredAt.In(l.loc)),
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}

	if err := l.store.RecordMessage(ctx, entry); err != nil {
		return fmt.Errorf("RecordExchange: record message %s: %w", entry.MessageID, err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("user_id", ex.UserID).
		Str("tracker_id", ex.Tracker.ID).
		Str("exchange_id", ex.ExchangeID).
		Str("role", string(ex.Role)).
		Int("token_count", ex.TokenCount).
		Msg("Usage recorded")

	return nil
}

func validateExchange(ex Exchange) error {
	var problems []string
	if strings.TrimSpace(ex.UserID) == "" {
		problems = append(problems, "user id is required")
	}
	if ex.Role != domain.ChatRoleUser && ex.Role != domain.ChatRoleAssistant {
		problems = append(problems, fmt.Sprintf("unknown role %q", ex.Role))
	}
	if ex.TokenCount < 0 {
		problems = append(problems, fmt.Sprintf("negative token count %d", ex.TokenCount))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, strings.Join(problems, "; "))
	}
	return nil
}

// DailyUsage returns the buckets of userID from from to to inclusive.
// An empty trackerID covers all trackers.
func (l *Ledger) DailyUsage(ctx context.Context, userID, trackerID string, from, to civil.Date) ([]DailyBucket, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end %s is before start %s", ErrInvalidArgument, to, from)
	}

	buckets, err := l.store.DailyBuckets(ctx, userID, trackerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("DailyUsage: %w", err)
	}
	return buckets, nil
}

// Today returns the current bucket day.
func (l *Ledger) Today() civil.Date {
	return civil.DateOf(l.now().In(l.loc))
}

// MarkTrackerDeleted soft-tags the history userID keeps for trackerID.
func (l *Ledger) MarkTrackerDeleted(ctx context.Context, userID, trackerID string) error {
	if err := requireOwner(userID, trackerID); err != nil {
		return err
	}
	if err := l.store.MarkTrackerDeleted(ctx, userID, trackerID); err != nil {
		return fmt.Errorf("MarkTrackerDeleted: %w", err)
	}
	return nil
}

// RenameTracker propagates a new name and type into the snapshots userID
// keeps for trackerID.
func (l *Ledger) RenameTracker(ctx context.Context, userID, trackerID, name, trackerType string) error {
	if err := requireOwner(userID, trackerID); err != nil {
		return err
	}
	if err := l.store.RenameTracker(ctx, userID, trackerID, name, trackerType); err != nil {
		return fmt.Errorf("RenameTracker: %w", err)
	}
	return nil
}

// PurgeTracker deletes the usage history userID keeps for trackerID.
func (l *Ledger) PurgeTracker(ctx context.Context, userID, trackerID string) error {
	if err := requireOwner(userID, trackerID); err != nil {
		return err
	}
	if err := l.store.PurgeTracker(ctx, userID, trackerID); err != nil {
		return fmt.Errorf("PurgeTracker: %w", err)
	}
	return nil
}

func requireOwner(userID, trackerID string) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	case trackerID == "":
		return fmt.Errorf("%w: tracker id is required", ErrInvalidArgument)
	}
	return nil
}

// PurgeUser deletes the usage history of userID.
func (l *Ledger) PurgeUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if err := l.store.PurgeUser(ctx, userID); err != nil {
		return fmt.Errorf("PurgeUser: %w", err)
	}
	return nil
}

// EstimateTokens approximates the token count of content at four runes per token.
func EstimateTokens(content string) int {
	n := utf8.RuneCountInString(content)
	return (n + 3) / 4
}
