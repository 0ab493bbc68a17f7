package domain

// CategoryKind partitions a tracker's taxonomy into pools.
type CategoryKind string

const (
	CategoryKindExpense    CategoryKind = "expense"
	CategoryKindIncome     CategoryKind = "income"
	CategoryKindDebitMode  CategoryKind = "debit_mode"
	CategoryKindCreditMode CategoryKind = "credit_mode"
)

// CategoryKinds lists every pool kind in the order pools are loaded.
var CategoryKinds = []CategoryKind{
	CategoryKindExpense,
	CategoryKindIncome,
	CategoryKindDebitMode,
	CategoryKindCreditMode,
}

// Valid reports whether k is one of the four known kinds.
func (k CategoryKind) Valid() bool {
	switch k {
	case CategoryKindExpense, CategoryKindIncome, CategoryKindDebitMode, CategoryKindCreditMode:
		return true
	}
	return false
}

// CategoryEntry is one node of a tracker's category taxonomy.
// Names are unique within a pool.
type CategoryEntry struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Kind             CategoryKind `json:"kind"`
	SubcategoryNames []string     `json:"subcategoryNames"`
}
