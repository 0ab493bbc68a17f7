package domain

import (
	"encoding/json"
	"time"
)

// Kind classifies a transaction. The set is closed: only the Details
// implementations in this package can produce a Kind.
type Kind string

const (
	KindExpense  Kind = "expense"
	KindIncome   Kind = "income"
	KindTransfer Kind = "transfer"
)

// TransferCategoryID is the category identifier carried by every transfer.
// Transfers never resolve against a taxonomy.
const TransferCategoryID = "transfer"

// DefaultCurrency is used when neither the draft nor the tracker names one.
const DefaultCurrency = "INR"

// Details is the kind-specific payload of a Transaction.
type Details interface {
	kind() Kind
}

// ExpenseDetails is the payload of an expense: money paid with a debit mode.
type ExpenseDetails struct {
	PaymentMethod string
}

// IncomeDetails is the payload of an income: money received from a credit mode.
type IncomeDetails struct {
	CreditFrom string
}

// TransferDetails marks money moved between the user's own accounts.
type TransferDetails struct{}

func (ExpenseDetails) kind() Kind  { return KindExpense }
func (IncomeDetails) kind() Kind   { return KindIncome }
func (TransferDetails) kind() Kind { return KindTransfer }

// Transaction is a validated, taxonomy-resolved financial record.
// This is a domain struct; the bulk persistence layer maps it to its own schema.
type Transaction struct {
	Amount          float64
	CategoryID      string
	CategoryName    string
	SubcategoryName string
	Currency        string
	Description     string
	OccurredAt      time.Time

	Details Details
}

// Kind reports the transaction kind derived from its payload.
func (t Transaction) Kind() Kind {
	if t.Details == nil {
		return KindExpense
	}
	return t.Details.kind()
}

// PaymentMethod is set for expenses only.
func (t Transaction) PaymentMethod() string {
	if d, ok := t.Details.(ExpenseDetails); ok {
		return d.PaymentMethod
	}
	return ""
}

// CreditFrom is set for incomes only.
func (t Transaction) CreditFrom() string {
	if d, ok := t.Details.(IncomeDetails); ok {
		return d.CreditFrom
	}
	return ""
}

type transactionJSON struct {
	Kind            Kind      `json:"kind"`
	Amount          float64   `json:"amount"`
	CategoryName    string    `json:"categoryName"`
	SubcategoryName string    `json:"subcategoryName"`
	CategoryID      string    `json:"categoryId"`
	PaymentMethod   string    `json:"paymentMethod,omitempty"`
	CreditFrom      string    `json:"creditFrom,omitempty"`
	CurrencyCode    string    `json:"currencyCode"`
	Description     string    `json:"description,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// MarshalJSON flattens the kind-specific payload into the wire shape.
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(transactionJSON{
		Kind:            t.Kind(),
		Amount:          t.Amount,
		CategoryName:    t.CategoryName,
		SubcategoryName: t.SubcategoryName,
		CategoryID:      t.CategoryID,
		PaymentMethod:   t.PaymentMethod(),
		CreditFrom:      t.CreditFrom(),
		CurrencyCode:    t.Currency,
		Description:     t.Description,
		OccurredAt:      t.OccurredAt,
	})
}

// UnmarshalJSON rebuilds the kind-specific payload from the wire shape.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var w transactionJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*t = Transaction{
		Amount:          w.Amount,
		CategoryID:      w.CategoryID,
		CategoryName:    w.CategoryName,
		SubcategoryName: w.SubcategoryName,
		Currency:        w.CurrencyCode,
		Description:     w.Description,
		OccurredAt:      w.OccurredAt,
	}

	switch w.Kind {
	case KindIncome:
		t.Details = IncomeDetails{CreditFrom: w.CreditFrom}
	case KindTransfer:
		t.Details = TransferDetails{}
	default:
		t.Details = ExpenseDetails{PaymentMethod: w.PaymentMethod}
	}
	return nil
}
