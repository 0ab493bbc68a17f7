package amqp

import (
	"encoding/json"
	"time"

	"github.com/dvloznov/expense-assistant/internal/domain"
)

// TransactionsParsedMessage hands one validated batch to bulk persistence.
type TransactionsParsedMessage struct {
	ExchangeID   string               `json:"exchangeId"`
	UserID       string               `json:"userId"`
	TrackerID    string               `json:"trackerId"`
	Transactions []domain.Transaction `json:"transactions"`
	Usage        domain.Usage         `json:"usage"`
	Timestamp    time.Time            `json:"timestamp"`
}

// NewTransactionsParsedMessage stamps a batch with the current time.
func NewTransactionsParsedMessage(exchangeID, userID, trackerID string, transactions []domain.Transaction, usage domain.Usage) *TransactionsParsedMessage {
	return &TransactionsParsedMessage{
		ExchangeID:   exchangeID,
		UserID:       userID,
		TrackerID:    trackerID,
		Transactions: transactions,
		Usage:        usage,
		Timestamp:    time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *TransactionsParsedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
