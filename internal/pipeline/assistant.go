package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/logger"
)

// ParseRequest is one natural-language transaction entry.
type ParseRequest struct {
	Text string

	// TrackerID selects the tenant taxonomy. Empty means the static taxonomy.
	TrackerID       string
	TrackerCurrency string

	// ExchangeID names the logical exchange for archiving and usage accounting.
	ExchangeID string
}

// ParseResult is the successful outcome of ParseMessage.
type ParseResult struct {
	ExchangeID   string
	Transactions []domain.Transaction
	Usage        domain.Usage
	Model        string
	RawText      string
}

// ChatResult is the outcome of ChatReply.
type ChatResult struct {
	Reply string
	Usage domain.Usage
	Model string
}

// ArchivedOutput is one raw model answer kept for audit and replay.
type ArchivedOutput struct {
	ExchangeID string       `json:"exchangeId"`
	TrackerID  string       `json:"trackerId,omitempty"`
	Model      string       `json:"model"`
	RawText    string       `json:"rawText"`
	Usage      domain.Usage `json:"usage"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Assistant runs the extraction pipeline: taxonomy, prompt, one upstream
// call, reconciliation.
type Assistant struct {
	taxonomy        *TaxonomyProvider
	gateway         Gateway
	archive         OutputArchive
	defaultCurrency string
	now             func() time.Time
}

// AssistantOption configures an Assistant.
type AssistantOption func(*Assistant)

// WithArchive stores every raw model output best-effort.
func WithArchive(archive OutputArchive) AssistantOption {
	return func(a *Assistant) { a.archive = archive }
}

// WithDefaultCurrency sets the currency used when the tracker has none.
func WithDefaultCurrency(code string) AssistantOption {
	return func(a *Assistant) {
		if c := strings.ToUpper(strings.TrimSpace(code)); c != "" {
			a.defaultCurrency = c
		}
	}
}

// WithClock replaces time.Now for transaction timestamps.
func WithClock(now func() time.Time) AssistantOption {
	return func(a *Assistant) { a.now = now }
}

// NewAssistant creates an Assistant.
func NewAssistant(taxonomy *TaxonomyProvider, gateway Gateway, opts ...AssistantOption) *Assistant {
	a := &Assistant{
		taxonomy:        taxonomy,
		gateway:         gateway,
		defaultCurrency: domain.DefaultCurrency,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ParseMessage extracts validated transactions from req.Text.
//
// Expected failures are returned as *Error. When the upstream call completed
// before the failure, the returned error carries the consumed Usage.
// A cancelled ctx yields ctx.Err() and no result.
func (a *Assistant) ParseMessage(ctx context.Context, req ParseRequest) (*ParseResult, error) {
	log := logger.WithFields(logger.FromContext(ctx), map[string]interface{}{
		"tracker_id":  req.TrackerID,
		"exchange_id": req.ExchangeID,
	})

	if strings.TrimSpace(req.Text) == "" {
		return nil, newError(ErrValidation, "message text is empty")
	}

	log.Debug().Msg("Loading taxonomy pools")
	pools, err := a.taxonomy.LoadPools(ctx, req.TrackerID)
	if err != nil {
		return nil, err
	}

	currency := normalizeCurrency(req.TrackerCurrency, a.defaultCurrency)
	systemPrompt := BuildSystemPrompt(pools, currency)

	log.Debug().Int("prompt_chars", len(systemPrompt)).Msg("Calling extraction gateway")
	completion, err := a.gateway.Extract(ctx, systemPrompt, req.Text)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.archiveOutput(ctx, req, completion)

	transactions, err := Reconcile(completion.Text, pools, currency, a.now().UTC())
	if err != nil {
		if pe, ok := err.(*Error); ok {
			withUsage := *pe
			usage := completion.Usage
			withUsage.Usage = &usage
			log.Info().
				Str("error_kind", string(pe.Kind)).
				Int("prompt_tokens", usage.PromptTokens).
				Int("completion_tokens", usage.CompletionTokens).
				Msg("Reconciliation rejected the batch")
			return nil, &withUsage
		}
		return nil, err
	}

	log.Info().
		Int("transactions", len(transactions)).
		Int("prompt_tokens", completion.Usage.PromptTokens).
		Int("completion_tokens", completion.Usage.CompletionTokens).
		Msg("Message parsed")

	return &ParseResult{
		ExchangeID:   req.ExchangeID,
		Transactions: transactions,
		Usage:        completion.Usage,
		Model:        completion.Model,
		RawText:      completion.Text,
	}, nil
}

func (a *Assistant) archiveOutput(ctx context.Context, req ParseRequest, completion *Completion) {
	if a.archive == nil || req.ExchangeID == "" {
		return
	}
	out := &ArchivedOutput{
		ExchangeID: req.ExchangeID,
		TrackerID:  req.TrackerID,
		Model:      completion.Model,
		RawText:    completion.Text,
		Usage:      completion.Usage,
		CreatedAt:  a.now().UTC(),
	}
	if err := a.archive.ArchiveModelOutput(ctx, out); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("exchange_id", req.ExchangeID).Msg("Failed to archive model output")
	}
}

// ChatReply answers a free-text message under the fixed chat persona.
// No taxonomy or reconciliation is involved.
func (a *Assistant) ChatReply(ctx context.Context, message string, history []domain.ChatMessage) (*ChatResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, newError(ErrValidation, "message text is empty")
	}

	completion, err := a.gateway.Chat(ctx, ChatPersona, history, message)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reply := strings.TrimSpace(completion.Text)
	if reply == "" {
		e := newError(ErrUpstreamUnavailable, "the model returned an empty reply")
		usage := completion.Usage
		e.Usage = &usage
		return nil, e
	}

	return &ChatResult{Reply: reply, Usage: completion.Usage, Model: completion.Model}, nil
}
