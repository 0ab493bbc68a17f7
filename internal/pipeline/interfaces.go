package pipeline

import (
	"context"

	"github.com/dvloznov/expense-assistant/internal/domain"
)

// CategoryStore is the read-only view of a tracker's taxonomy.
// See infra/bigquery and infra/sqlite for the concrete implementations.
type CategoryStore interface {
	// ListCategories returns the active entries of one kind for a tracker.
	ListCategories(ctx context.Context, trackerID string, kind domain.CategoryKind) ([]domain.CategoryEntry, error)
}

// Gateway is the I/O boundary to the chat-completion upstream.
// Implementations carry no business logic.
type Gateway interface {
	// Extract sends one user message under a system prompt and returns the raw answer.
	Extract(ctx context.Context, systemPrompt, userMessage string) (*Completion, error)

	// Chat continues a conversation history with a new user message.
	Chat(ctx context.Context, systemPrompt string, history []domain.ChatMessage, message string) (*Completion, error)
}

// Completion is the raw upstream answer plus its token accounting.
type Completion struct {
	Text  string
	Model string
	Usage domain.Usage
}

// OutputArchive stores raw model outputs for audit and offline replay.
type OutputArchive interface {
	ArchiveModelOutput(ctx context.Context, output *ArchivedOutput) error
}
