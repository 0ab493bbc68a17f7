package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// draft is one untrusted transaction candidate decoded from model output.
type draft struct {
	Kind            string
	Amount          float64
	CategoryName    string
	SubcategoryName string
	PaymentMethod   string
	CreditFrom      string
	CurrencyCode    string
	Description     string
}

// decodeDraft maps one model JSON object onto a draft. Missing or falsy
// required fields fail with a ValidationError naming index.
func decodeDraft(index int, item interface{}) (*draft, error) {
	obj, ok := item.(map[string]interface{})
	if !ok {
		return nil, validationError(index, "transaction %d is %T, want an object", index, item)
	}

	amount, err := getAmountField(obj, "amount")
	if err != nil {
		return nil, validationError(index, "transaction %d: %v", index, err)
	}
	category, err := getStringField(obj, "categoryName", true)
	if err != nil {
		return nil, validationError(index, "transaction %d: %v", index, err)
	}
	subcategory, err := getStringField(obj, "subcategoryName", true)
	if err != nil {
		return nil, validationError(index, "transaction %d: %v", index, err)
	}

	d := &draft{
		Amount:          amount,
		CategoryName:    category,
		SubcategoryName: subcategory,
	}

	optional := []struct {
		key string
		dst *string
	}{
		{"kind", &d.Kind},
		{"paymentMethod", &d.PaymentMethod},
		{"creditFrom", &d.CreditFrom},
		{"currencyCode", &d.CurrencyCode},
		{"description", &d.Description},
	}
	for _, f := range optional {
		v, err := getOptionalStringField(obj, f.key)
		if err != nil {
			return nil, validationError(index, "transaction %d: %v", index, err)
		}
		if v != nil {
			*f.dst = *v
		}
	}

	return d, nil
}

func getStringField(m map[string]interface{}, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	switch val := v.(type) {
	case string:
		if required && strings.TrimSpace(val) == "" {
			return "", fmt.Errorf("required field %q is empty", key)
		}
		return val, nil
	default:
		return "", fmt.Errorf("field %q has type %T, want string", key, v)
	}
}

func getOptionalStringField(m map[string]interface{}, key string) (*string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, nil
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("field %q has type %T, want string or null", key, v)
	}
}

// getAmountField reads a strictly positive amount. Models sometimes quote
// numbers, so numeric strings are accepted.
func getAmountField(m map[string]interface{}, key string) (float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing required field %q", key)
	}

	var amount float64
	switch val := v.(type) {
	case float64:
		amount = val
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("field %q is %q, want a number", key, val)
		}
		amount = parsed
	default:
		return 0, fmt.Errorf("field %q has type %T, want number", key, v)
	}

	if amount <= 0 {
		return 0, fmt.Errorf("field %q must be positive, got %v", key, amount)
	}
	return amount, nil
}
