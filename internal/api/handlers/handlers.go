package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/expense-assistant/internal/amqp"
	"github.com/dvloznov/expense-assistant/internal/api/middleware"
	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/ledger"
	"github.com/dvloznov/expense-assistant/internal/logger"
	"github.com/dvloznov/expense-assistant/internal/pipeline"
)

// Assistant is the extraction and chat service behind the HTTP surface.
type Assistant interface {
	ParseMessage(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error)
	ChatReply(ctx context.Context, message string, history []domain.ChatMessage) (*pipeline.ChatResult, error)
}

// UsageLedger records and reports token usage.
type UsageLedger interface {
	RecordExchange(ctx context.Context, ex ledger.Exchange) error
	DailyUsage(ctx context.Context, userID, trackerID string, from, to civil.Date) ([]ledger.DailyBucket, error)
	Today() civil.Date
	MarkTrackerDeleted(ctx context.Context, userID, trackerID string) error
	RenameTracker(ctx context.Context, userID, trackerID, name, trackerType string) error
	PurgeTracker(ctx context.Context, userID, trackerID string) error
	PurgeUser(ctx context.Context, userID string) error
}

// Publisher hands validated batches to bulk persistence.
type Publisher interface {
	PublishTransactionsParsed(ctx context.Context, msg *amqp.TransactionsParsedMessage) error
}

// trackerRef is the tracker context a client sends with each message.
type trackerRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Currency string `json:"currency"`
}

func (t trackerRef) snapshot() ledger.TrackerSnapshot {
	return ledger.TrackerSnapshot{ID: t.ID, Name: t.Name, Type: t.Type, Currency: t.Currency}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// writeFailure maps err onto a response: typed pipeline failures by kind,
// ledger argument errors as 400, everything else as 500.
func writeFailure(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if middleware.WritePipelineError(w, err) {
		return
	}
	if errors.Is(err, ledger.ErrInvalidArgument) {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := logger.FromContext(r.Context())
	log.Error().Err(err).Msg(msg)
	middleware.WriteError(w, http.StatusInternalServerError, msg)
}
