package amqp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dvloznov/expense-assistant/internal/domain"
)

func TestTransactionsParsedMessage_ToJSON(t *testing.T) {
	occurred := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	msg := NewTransactionsParsedMessage("ex-1", "u1", "t1", []domain.Transaction{
		{Amount: 250, CategoryID: "c1", CategoryName: "Food & Dining", SubcategoryName: "Restaurants", Currency: "INR", OccurredAt: occurred, Details: domain.ExpenseDetails{PaymentMethod: "UPI"}},
	}, domain.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120})

	if msg.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}

	body, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"exchangeId", "userId", "trackerId", "transactions", "usage", "timestamp"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing key %q in %s", key, body)
		}
	}

	txs := decoded["transactions"].([]interface{})
	tx := txs[0].(map[string]interface{})
	if tx["kind"] != "expense" || tx["paymentMethod"] != "UPI" || tx["currencyCode"] != "INR" {
		t.Errorf("transaction = %v", tx)
	}
	usage := decoded["usage"].(map[string]interface{})
	if usage["totalTokens"] != float64(120) {
		t.Errorf("usage = %v", usage)
	}
}
