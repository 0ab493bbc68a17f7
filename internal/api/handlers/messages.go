package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dvloznov/expense-assistant/internal/amqp"
	"github.com/dvloznov/expense-assistant/internal/api/middleware"
	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/ledger"
	"github.com/dvloznov/expense-assistant/internal/logger"
	"github.com/dvloznov/expense-assistant/internal/pipeline"
	"github.com/google/uuid"
)

// MessagesHandler serves transaction parsing and free chat.
type MessagesHandler struct {
	assistant Assistant
	ledger    UsageLedger
	publisher Publisher
}

// NewMessagesHandler creates a messages handler. publisher may be nil.
func NewMessagesHandler(assistant Assistant, usage UsageLedger, publisher Publisher) *MessagesHandler {
	return &MessagesHandler{assistant: assistant, ledger: usage, publisher: publisher}
}

type parseRequest struct {
	Text    string     `json:"text"`
	Tracker trackerRef `json:"tracker"`
}

type parseResponse struct {
	ExchangeID   string               `json:"exchangeId"`
	Transactions []domain.Transaction `json:"transactions"`
	Usage        domain.Usage         `json:"usage"`
}

// ParseTransactions handles POST /api/transactions/parse
func (h *MessagesHandler) ParseTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req parseRequest
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID, _ := middleware.GetUserID(ctx)
	exchangeID := exchangeIDFrom(r)
	log := logger.FromContext(ctx).With().
		Str("exchange_id", exchangeID).
		Str("tracker_id", req.Tracker.ID).
		Logger()
	ctx = logger.WithContext(ctx, log)

	result, err := h.assistant.ParseMessage(ctx, pipeline.ParseRequest{
		Text:            req.Text,
		TrackerID:       req.Tracker.ID,
		TrackerCurrency: req.Tracker.Currency,
		ExchangeID:      exchangeID,
	})

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		log.Info().Msg("Request cancelled, usage not recorded")
		return
	}

	if err != nil {
		if usage, ok := usageOf(err); ok {
			h.recordUsage(ctx, userID, req.Tracker, exchangeID, req.Text, "", usage)
		}
		writeFailure(w, r, err, "Failed to parse message")
		return
	}

	h.recordUsage(ctx, userID, req.Tracker, exchangeID, req.Text, result.RawText, result.Usage)
	h.publish(ctx, amqp.NewTransactionsParsedMessage(exchangeID, userID, req.Tracker.ID, result.Transactions, result.Usage))

	middleware.WriteJSON(w, http.StatusOK, parseResponse{
		ExchangeID:   exchangeID,
		Transactions: result.Transactions,
		Usage:        result.Usage,
	})
}

type chatRequest struct {
	Message string               `json:"message"`
	History []domain.ChatMessage `json:"history"`
	Tracker trackerRef           `json:"tracker"`
}

type chatResponse struct {
	Reply string       `json:"reply"`
	Usage domain.Usage `json:"usage"`
}

// Chat handles POST /api/chat
func (h *MessagesHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID, _ := middleware.GetUserID(ctx)
	exchangeID := exchangeIDFrom(r)

	result, err := h.assistant.ChatReply(ctx, req.Message, req.History)
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		if usage, ok := usageOf(err); ok {
			h.recordUsage(ctx, userID, req.Tracker, exchangeID, req.Message, "", usage)
		}
		writeFailure(w, r, err, "Failed to answer message")
		return
	}

	h.recordUsage(ctx, userID, req.Tracker, exchangeID, req.Message, result.Reply, result.Usage)

	middleware.WriteJSON(w, http.StatusOK, chatResponse{Reply: result.Reply, Usage: result.Usage})
}

// recordUsage writes both sides of an exchange. Upstream counts win;
// estimates fill in when the upstream reported none. Once started, both
// writes run detached from request cancellation so an exchange is never
// half recorded.
func (h *MessagesHandler) recordUsage(ctx context.Context, userID string, tracker trackerRef, exchangeID, userText, reply string, usage domain.Usage) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	promptTokens := usage.PromptTokens
	if promptTokens == 0 {
		promptTokens = ledger.EstimateTokens(userText)
	}
	completionTokens := usage.CompletionTokens
	if completionTokens == 0 {
		completionTokens = ledger.EstimateTokens(reply)
	}

	sides := []ledger.Exchange{
		{ExchangeID: exchangeID, UserID: userID, Tracker: tracker.snapshot(), Role: domain.ChatRoleUser, Content: userText, TokenCount: promptTokens},
		{ExchangeID: exchangeID, UserID: userID, Tracker: tracker.snapshot(), Role: domain.ChatRoleAssistant, Content: reply, TokenCount: completionTokens},
	}
	for _, ex := range sides {
		if err := h.ledger.RecordExchange(ctx, ex); err != nil {
			log.Error().Err(err).Str("role", string(ex.Role)).Msg("Failed to record usage")
			return
		}
	}

	log.Info().
		Int("prompt_tokens", promptTokens).
		Int("completion_tokens", completionTokens).
		Msg("Usage recorded")
}

func (h *MessagesHandler) publish(ctx context.Context, msg *amqp.TransactionsParsedMessage) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.PublishTransactionsParsed(ctx, msg); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to publish parsed transactions")
	}
}

func exchangeIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(middleware.HeaderExchangeID)); id != "" {
		return id
	}
	return uuid.NewString()
}

// usageOf returns the tokens consumed before a pipeline failure.
func usageOf(err error) (domain.Usage, bool) {
	var pe *pipeline.Error
	if errors.As(err, &pe) && pe.Usage != nil {
		return *pe.Usage, true
	}
	return domain.Usage{}, false
}
