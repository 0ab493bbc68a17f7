package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/expense-assistant/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Pools is a tracker's taxonomy partitioned by kind.
// Debit and credit modes are flattened to their subcategory names because
// payment methods and credit sources come from subcategory names.
type Pools struct {
	Expense         []domain.CategoryEntry
	Income          []domain.CategoryEntry
	DebitModeNames  []string
	CreditModeNames []string
}

// Lookup finds the entry named exactly name in the pool serving kind:
// income drafts use the income pool, everything else the expense pool.
func (p *Pools) Lookup(kind domain.Kind, name string) (domain.CategoryEntry, bool) {
	pool := p.Expense
	if kind == domain.KindIncome {
		pool = p.Income
	}
	for _, entry := range pool {
		if entry.Name == name {
			return entry, true
		}
	}
	return domain.CategoryEntry{}, false
}

// DefaultTaxonomy is the built-in taxonomy used when no tracker is given and
// to fill empty mode pools.
type DefaultTaxonomy struct {
	Expense         []domain.CategoryEntry
	DebitModeNames  []string
	CreditModeNames []string
}

// BuiltinTaxonomy returns the static taxonomy shipped with the service.
func BuiltinTaxonomy() DefaultTaxonomy {
	return DefaultTaxonomy{
		Expense: []domain.CategoryEntry{
			staticEntry("food-dining", "Food & Dining", "Restaurants", "Groceries", "Cafes", "Food Delivery", "Snacks"),
			staticEntry("transportation", "Transportation", "Fuel", "Public Transit", "Taxi & Ride-Hailing", "Parking", "Vehicle Maintenance"),
			staticEntry("housing", "Housing", "Rent", "Maintenance", "Home Supplies", "Furnishing"),
			staticEntry("bills-utilities", "Bills & Utilities", "Electricity", "Water", "Gas", "Internet", "Mobile Recharge"),
			staticEntry("shopping", "Shopping", "Clothing", "Electronics", "Household Items", "Personal Care", "Gifts"),
			staticEntry("entertainment", "Entertainment", "Movies", "Subscriptions", "Games", "Events"),
			staticEntry("health-fitness", "Health & Fitness", "Doctor", "Pharmacy", "Gym", "Insurance"),
			staticEntry("education", "Education", "Tuition", "Books", "Courses"),
			staticEntry("travel", "Travel", "Flights", "Hotels", "Trains", "Local Transport"),
			staticEntry("financial", "Financial", "Loan EMI", "Credit Card Bill", "Bank Charges", "Taxes"),
			staticEntry("miscellaneous", "Miscellaneous", "Other"),
		},
		DebitModeNames: []string{
			"Credit Card", "Debit Card", "Cash", "UPI", "Net Banking", "Wallet",
			UnspecifiedPaymentMethod,
		},
		CreditModeNames: []string{
			"Salary", "Business", "Freelance", "Investment", "Rental Income", "Gift", "Refund",
			UnspecifiedCreditSource,
		},
	}
}

func staticEntry(id, name string, subcategories ...string) domain.CategoryEntry {
	return domain.CategoryEntry{
		ID:               "static-" + id,
		Name:             name,
		Kind:             domain.CategoryKindExpense,
		SubcategoryNames: subcategories,
	}
}

// TaxonomyProvider loads the category pools a prompt and a reconciliation
// run against. It is read-only.
type TaxonomyProvider struct {
	store    CategoryStore
	defaults DefaultTaxonomy
}

// NewTaxonomyProvider creates a provider over store with the given defaults.
// store may be nil, in which case only the legacy static mode works.
func NewTaxonomyProvider(store CategoryStore, defaults DefaultTaxonomy) *TaxonomyProvider {
	return &TaxonomyProvider{store: store, defaults: defaults}
}

// LoadPools returns the pools for trackerID. With an empty trackerID it
// returns the static expense pool and payment methods only.
func (p *TaxonomyProvider) LoadPools(ctx context.Context, trackerID string) (*Pools, error) {
	if trackerID == "" {
		return &Pools{
			Expense:        cloneEntries(p.defaults.Expense),
			DebitModeNames: cloneStrings(p.defaults.DebitModeNames),
		}, nil
	}

	if p.store == nil {
		return nil, newError(ErrConfiguration, "no category store configured for tracker %q", trackerID)
	}

	var byKind [4][]domain.CategoryEntry
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range domain.CategoryKinds {
		g.Go(func() error {
			entries, err := p.store.ListCategories(gctx, trackerID, kind)
			if err != nil {
				return fmt.Errorf("LoadPools: list %s categories: %w", kind, err)
			}
			byKind[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pools := &Pools{
		Expense:         byKind[0],
		Income:          byKind[1],
		DebitModeNames:  flattenSubcategories(byKind[2]),
		CreditModeNames: flattenSubcategories(byKind[3]),
	}

	if len(pools.Expense)+len(pools.Income) == 0 {
		return nil, newError(ErrNoCategoriesConfigured, "tracker %q has no expense or income categories", trackerID)
	}

	if len(pools.DebitModeNames) == 0 {
		pools.DebitModeNames = cloneStrings(p.defaults.DebitModeNames)
	}
	if len(pools.CreditModeNames) == 0 {
		pools.CreditModeNames = cloneStrings(p.defaults.CreditModeNames)
	}

	return pools, nil
}

// flattenSubcategories collects subcategory names in entry order, skipping duplicates.
func flattenSubcategories(entries []domain.CategoryEntry) []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		for _, s := range e.SubcategoryNames {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			names = append(names, s)
		}
	}
	return names
}

func cloneEntries(in []domain.CategoryEntry) []domain.CategoryEntry {
	out := make([]domain.CategoryEntry, len(in))
	for i, e := range in {
		e.SubcategoryNames = cloneStrings(e.SubcategoryNames)
		out[i] = e
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
