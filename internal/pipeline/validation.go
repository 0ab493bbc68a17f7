package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/expense-assistant/internal/domain"
)

// Reconcile turns raw model output into validated transactions resolved
// against pools. The batch is all-or-nothing: any malformed draft or
// unknown category voids the whole result.
//
// currency is the tracker currency used for drafts without one; empty
// means domain.DefaultCurrency. Every transaction gets occurredAt.
// Reconcile has no side effects and is deterministic in its arguments.
func Reconcile(rawText string, pools *Pools, currency string, occurredAt time.Time) ([]domain.Transaction, error) {
	items, err := parseModelOutput(rawText)
	if err != nil {
		return nil, err
	}
	if pools == nil {
		pools = &Pools{}
	}
	currency = normalizeCurrency(currency, domain.DefaultCurrency)

	transactions := make([]domain.Transaction, 0, len(items))
	missing := make(map[string]bool)

	for i, item := range items {
		d, err := decodeDraft(i, item)
		if err != nil {
			return nil, err
		}

		tx := domain.Transaction{
			Amount:          d.Amount,
			CategoryName:    d.CategoryName,
			SubcategoryName: d.SubcategoryName,
			Currency:        normalizeCurrency(d.CurrencyCode, currency),
			Description:     d.Description,
			OccurredAt:      occurredAt,
		}

		kind := parseKind(d.Kind)
		if kind == domain.KindTransfer {
			tx.CategoryID = domain.TransferCategoryID
			tx.Details = domain.TransferDetails{}
			transactions = append(transactions, tx)
			continue
		}

		entry, ok := pools.Lookup(kind, d.CategoryName)
		if !ok {
			missing[d.CategoryName] = true
			continue
		}
		tx.CategoryID = entry.ID

		switch kind {
		case domain.KindIncome:
			tx.Details = domain.IncomeDetails{CreditFrom: orDefault(d.CreditFrom, UnspecifiedCreditSource)}
		default:
			tx.Details = domain.ExpenseDetails{PaymentMethod: orDefault(d.PaymentMethod, UnspecifiedPaymentMethod)}
		}
		transactions = append(transactions, tx)
	}

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, &Error{
			Kind:              ErrCategoryNotFound,
			Message:           "Categories not found: " + strings.Join(names, ", "),
			MissingCategories: names,
		}
	}

	return transactions, nil
}

// parseKind maps the draft kind onto the closed set. Unknown or missing
// kinds are expenses, matching the pool choice of the lookup.
func parseKind(s string) domain.Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(domain.KindIncome):
		return domain.KindIncome
	case string(domain.KindTransfer):
		return domain.KindTransfer
	default:
		return domain.KindExpense
	}
}

func normalizeCurrency(code, fallback string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return fallback
	}
	return code
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
