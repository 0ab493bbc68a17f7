package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

// CategoryRow is one row of the categories table.
type CategoryRow struct {
	CategoryID string `bigquery:"category_id"` // REQUIRED
	TrackerID  string `bigquery:"tracker_id"`  // REQUIRED
	Kind       string `bigquery:"kind"`        // REQUIRED: expense, income, debit_mode, credit_mode
	Name       string `bigquery:"name"`        // REQUIRED

	Subcategories []string `bigquery:"subcategories"` // REPEATED

	IsActive  bigquery.NullBool      `bigquery:"is_active"`  // NULLABLE
	CreatedTS bigquery.NullTimestamp `bigquery:"created_ts"` // NULLABLE
}

func (r CategoryRow) toEntry() domain.CategoryEntry {
	return domain.CategoryEntry{
		ID:               r.CategoryID,
		Name:             r.Name,
		Kind:             domain.CategoryKind(r.Kind),
		SubcategoryNames: r.Subcategories,
	}
}

// CategoryRepository reads tracker taxonomies from BigQuery.
type CategoryRepository struct {
	client *bigquery.Client
	cfg    Config
}

// NewCategoryRepository creates a repository over a shared client.
func NewCategoryRepository(client *bigquery.Client, cfg Config) *CategoryRepository {
	return &CategoryRepository{client: client, cfg: cfg}
}

// ListCategories returns the active categories of one kind for a tracker, ordered by name.
func (r *CategoryRepository) ListCategories(ctx context.Context, trackerID string, kind domain.CategoryKind) ([]domain.CategoryEntry, error) {
	q := r.client.Query(`
		SELECT
		  category_id,
		  tracker_id,
		  kind,
		  name,
		  subcategories,
		  is_active,
		  created_ts
		FROM ` + r.cfg.table(categoriesTable) + `
		WHERE tracker_id = @tracker_id
		  AND kind = @kind
		  AND IFNULL(is_active, TRUE)
		ORDER BY name
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "tracker_id", Value: trackerID},
		{Name: "kind", Value: string(kind)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListCategories: query read: %w", err)
	}

	var entries []domain.CategoryEntry
	for {
		var row CategoryRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListCategories: iter next: %w", err)
		}
		entries = append(entries, row.toEntry())
	}

	return entries, nil
}

// InsertCategory adds an active category for a tracker and returns its ID.
func (r *CategoryRepository) InsertCategory(ctx context.Context, trackerID string, entry domain.CategoryEntry) (string, error) {
	if !entry.Kind.Valid() {
		return "", fmt.Errorf("InsertCategory: unknown kind %q", entry.Kind)
	}
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	subcategories := entry.SubcategoryNames
	if subcategories == nil {
		subcategories = []string{}
	}

	err := runDML(ctx, r.client, `
		INSERT INTO `+r.cfg.table(categoriesTable)+` (
			category_id, tracker_id, kind, name, subcategories, is_active, created_ts
		)
		VALUES (
			@category_id, @tracker_id, @kind, @name, @subcategories, TRUE, @created_ts
		)
	`, []bigquery.QueryParameter{
		{Name: "category_id", Value: id},
		{Name: "tracker_id", Value: trackerID},
		{Name: "kind", Value: string(entry.Kind)},
		{Name: "name", Value: entry.Name},
		{Name: "subcategories", Value: subcategories},
		{Name: "created_ts", Value: time.Now().UTC()},
	})
	if err != nil {
		return "", fmt.Errorf("InsertCategory: %w", err)
	}

	return id, nil
}
