package app

import (
	"context"
	"fmt"

	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/pipeline"
)

// Names of the mode categories created by SeedTaxonomy.
const (
	PaymentMethodsCategory = "Payment Methods"
	IncomeSourcesCategory  = "Income Sources"
)

// SeedEntries returns the taxonomy SeedTaxonomy writes: the built-in expense
// categories, a few income categories and one entry per mode pool.
func SeedEntries(defaults pipeline.DefaultTaxonomy) []domain.CategoryEntry {
	var entries []domain.CategoryEntry
	for _, e := range defaults.Expense {
		entries = append(entries, domain.CategoryEntry{
			Name:             e.Name,
			Kind:             domain.CategoryKindExpense,
			SubcategoryNames: append([]string(nil), e.SubcategoryNames...),
		})
	}

	entries = append(entries,
		domain.CategoryEntry{Name: "Salary", Kind: domain.CategoryKindIncome, SubcategoryNames: []string{"Monthly Salary", "Bonus"}},
		domain.CategoryEntry{Name: "Business", Kind: domain.CategoryKindIncome, SubcategoryNames: []string{"Sales", "Consulting"}},
		domain.CategoryEntry{Name: "Other Income", Kind: domain.CategoryKindIncome, SubcategoryNames: []string{"Interest", "Refund", "Gift"}},
		domain.CategoryEntry{Name: PaymentMethodsCategory, Kind: domain.CategoryKindDebitMode, SubcategoryNames: append([]string(nil), defaults.DebitModeNames...)},
		domain.CategoryEntry{Name: IncomeSourcesCategory, Kind: domain.CategoryKindCreditMode, SubcategoryNames: append([]string(nil), defaults.CreditModeNames...)},
	)
	return entries
}

// SeedTaxonomy writes SeedEntries for trackerID and returns how many entries were written.
func SeedTaxonomy(ctx context.Context, seeder CategorySeeder, trackerID string, defaults pipeline.DefaultTaxonomy) (int, error) {
	if trackerID == "" {
		return 0, fmt.Errorf("SeedTaxonomy: tracker id is required")
	}

	n := 0
	for _, entry := range SeedEntries(defaults) {
		if _, err := seeder.InsertCategory(ctx, trackerID, entry); err != nil {
			return n, fmt.Errorf("SeedTaxonomy: insert %s %q: %w", entry.Kind, entry.Name, err)
		}
		n++
	}
	return n, nil
}
