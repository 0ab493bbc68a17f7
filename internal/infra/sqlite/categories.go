package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/google/uuid"
)

// CategoryStore reads and seeds tracker taxonomies.
type CategoryStore struct {
	db *DB
}

// NewCategoryStore creates a category store over db.
func NewCategoryStore(db *DB) *CategoryStore {
	return &CategoryStore{db: db}
}

// ListCategories returns the active categories of one kind for a tracker, ordered by name.
func (s *CategoryStore) ListCategories(ctx context.Context, trackerID string, kind domain.CategoryKind) ([]domain.CategoryEntry, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT category_id, name, subcategories
		FROM categories
		WHERE tracker_id = ? AND kind = ? AND is_active = 1
		ORDER BY name
	`, trackerID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("ListCategories: query: %w", err)
	}
	defer rows.Close()

	var entries []domain.CategoryEntry
	for rows.Next() {
		var (
			entry domain.CategoryEntry
			subs  string
		)
		if err := rows.Scan(&entry.ID, &entry.Name, &subs); err != nil {
			return nil, fmt.Errorf("ListCategories: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(subs), &entry.SubcategoryNames); err != nil {
			return nil, fmt.Errorf("ListCategories: decode subcategories of %s: %w", entry.ID, err)
		}
		entry.Kind = kind
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListCategories: rows: %w", err)
	}

	return entries, nil
}

// InsertCategory adds a category for a tracker, or refreshes the existing one
// with the same kind and name, and returns the stored ID.
func (s *CategoryStore) InsertCategory(ctx context.Context, trackerID string, entry domain.CategoryEntry) (string, error) {
	if !entry.Kind.Valid() {
		return "", fmt.Errorf("InsertCategory: unknown kind %q", entry.Kind)
	}
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	subs := entry.SubcategoryNames
	if subs == nil {
		subs = []string{}
	}
	encoded, err := json.Marshal(subs)
	if err != nil {
		return "", fmt.Errorf("InsertCategory: encode subcategories: %w", err)
	}

	var storedID string
	err = s.db.db.QueryRowContext(ctx, `
		INSERT INTO categories (category_id, tracker_id, kind, name, subcategories, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (tracker_id, kind, name) DO UPDATE SET
			subcategories = excluded.subcategories,
			is_active = 1
		RETURNING category_id
	`, id, trackerID, string(entry.Kind), entry.Name, string(encoded), time.Now().UTC().Format(time.RFC3339Nano)).Scan(&storedID)
	if err != nil {
		return "", fmt.Errorf("InsertCategory: %w", err)
	}

	return storedID, nil
}

// DeactivateCategory hides one of a tracker's categories from future prompts.
func (s *CategoryStore) DeactivateCategory(ctx context.Context, trackerID, categoryID string) error {
	if _, err := s.db.db.ExecContext(ctx, `UPDATE categories SET is_active = 0 WHERE tracker_id = ? AND category_id = ?`, trackerID, categoryID); err != nil {
		return fmt.Errorf("DeactivateCategory: %w", err)
	}
	return nil
}
