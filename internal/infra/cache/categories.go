// Package cache decorates category stores with a TTL cache.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/logger"
	"github.com/dvloznov/expense-assistant/internal/pipeline"
	gocache "github.com/patrickmn/go-cache"
)

const ckCategories = "categories:%s:%s"

// CategoryStore serves repeated taxonomy reads from memory.
// Different trackers never share entries.
type CategoryStore struct {
	next  pipeline.CategoryStore
	cache *gocache.Cache
}

// NewCategoryStore wraps next. Entries expire after ttl.
func NewCategoryStore(next pipeline.CategoryStore, ttl time.Duration) *CategoryStore {
	return &CategoryStore{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// ListCategories implements pipeline.CategoryStore.
func (s *CategoryStore) ListCategories(ctx context.Context, trackerID string, kind domain.CategoryKind) ([]domain.CategoryEntry, error) {
	key := fmt.Sprintf(ckCategories, trackerID, kind)
	if cached, found := s.cache.Get(key); found {
		return cloneEntries(cached.([]domain.CategoryEntry)), nil
	}

	entries, err := s.next.ListCategories(ctx, trackerID, kind)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Debug().Str("tracker_id", trackerID).Str("kind", string(kind)).Int("entries", len(entries)).Msg("Cached category pool")

	s.cache.SetDefault(key, cloneEntries(entries))
	return entries, nil
}

// Invalidate drops every cached pool of a tracker.
func (s *CategoryStore) Invalidate(trackerID string) {
	for _, kind := range domain.CategoryKinds {
		s.cache.Delete(fmt.Sprintf(ckCategories, trackerID, kind))
	}
}

func cloneEntries(entries []domain.CategoryEntry) []domain.CategoryEntry {
	if entries == nil {
		return nil
	}
	out := make([]domain.CategoryEntry, len(entries))
	for i, e := range entries {
		e.SubcategoryNames = append([]string(nil), e.SubcategoryNames...)
		out[i] = e
	}
	return out
}
