package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/ledger"
)

type bucketKey struct {
	userID    string
	trackerID string
	date      civil.Date
}

// Store is an in-memory implementation of ledger.Store.
// It is safe for concurrent use. Data is lost on restart.
type Store struct {
	mu       sync.RWMutex
	messages map[string]*ledger.MessageEntry
	buckets  map[bucketKey]*ledger.DailyBucket
}

// NewStore creates a new in-memory ledger store.
func NewStore() *Store {
	return &Store{
		messages: make(map[string]*ledger.MessageEntry),
		buckets:  make(map[bucketKey]*ledger.DailyBucket),
	}
}

// RecordMessage implements ledger.Store.
func (s *Store) RecordMessage(ctx context.Context, entry ledger.MessageEntry) error {
	if entry.MessageID == "" {
		return fmt.Errorf("message ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.messages[entry.MessageID]; ok {
		if prev.UserID != entry.UserID {
			return fmt.Errorf("message %s: %w", entry.MessageID, ledger.ErrForeignMessage)
		}
		delta := int64(entry.TokenCount - prev.TokenCount)
		prev.Content = entry.Content
		prev.TokenCount = entry.TokenCount
		prev.UpdatedAt = entry.UpdatedAt
		s.bucket(prev.UserID, prev.Tracker.ID, prev.UsageDate).TotalTokens += delta
		return nil
	}

	entryCopy := entry
	s.messages[entry.MessageID] = &entryCopy

	b := s.bucket(entry.UserID, entry.Tracker.ID, entry.UsageDate)
	b.TotalMessages++
	switch entry.Role {
	case domain.ChatRoleUser:
		b.UserMessages++
	case domain.ChatRoleAssistant:
		b.AIMessages++
	}
	b.TotalTokens += int64(entry.TokenCount)

	return nil
}

// bucket returns the bucket for the key, creating it. Callers hold mu.
func (s *Store) bucket(userID, trackerID string, date civil.Date) *ledger.DailyBucket {
	key := bucketKey{userID: userID, trackerID: trackerID, date: date}
	b, ok := s.buckets[key]
	if !ok {
		b = &ledger.DailyBucket{UserID: userID, TrackerID: trackerID, Date: date}
		s.buckets[key] = b
	}
	return b
}

// DailyBuckets implements ledger.Store.
func (s *Store) DailyBuckets(ctx context.Context, userID, trackerID string, from, to civil.Date) ([]ledger.DailyBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ledger.DailyBucket
	for key, b := range s.buckets {
		if key.userID != userID {
			continue
		}
		if trackerID != "" && key.trackerID != trackerID {
			continue
		}
		if key.date.Before(from) || key.date.After(to) {
			continue
		}
		result = append(result, *b)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Date != result[j].Date {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].TrackerID < result[j].TrackerID
	})

	return result, nil
}

// Message returns a copy of the entry stored under messageID.
func (s *Store) Message(messageID string) (ledger.MessageEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.messages[messageID]
	if !ok {
		return ledger.MessageEntry{}, false
	}
	return *entry, true
}

// MarkTrackerDeleted implements ledger.Store.
func (s *Store) MarkTrackerDeleted(ctx context.Context, userID, trackerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.UserID == userID && m.Tracker.ID == trackerID {
			m.Tracker.Deleted = true
		}
	}
	return nil
}

// RenameTracker implements ledger.Store.
func (s *Store) RenameTracker(ctx context.Context, userID, trackerID, name, trackerType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.UserID == userID && m.Tracker.ID == trackerID {
			m.Tracker.Name = name
			m.Tracker.Type = trackerType
		}
	}
	return nil
}

// PurgeTracker implements ledger.Store.
func (s *Store) PurgeTracker(ctx context.Context, userID, trackerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range s.messages {
		if m.UserID == userID && m.Tracker.ID == trackerID {
			delete(s.messages, id)
		}
	}
	for key := range s.buckets {
		if key.userID == userID && key.trackerID == trackerID {
			delete(s.buckets, key)
		}
	}
	return nil
}

// PurgeUser implements ledger.Store.
func (s *Store) PurgeUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range s.messages {
		if m.UserID == userID {
			delete(s.messages, id)
		}
	}
	for key := range s.buckets {
		if key.userID == userID {
			delete(s.buckets, key)
		}
	}
	return nil
}

// Ensure Store implements ledger.Store interface.
var _ ledger.Store = (*Store)(nil)
