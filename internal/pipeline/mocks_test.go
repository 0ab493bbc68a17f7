package pipeline

import (
	"context"
	"sync"

	"github.com/dvloznov/expense-assistant/internal/domain"
)

// MockCategoryStore is a mock implementation of CategoryStore for testing.
type MockCategoryStore struct {
	ListCategoriesFunc func(ctx context.Context, trackerID string, kind domain.CategoryKind) ([]domain.CategoryEntry, error)
}

func (m *MockCategoryStore) ListCategories(ctx context.Context, trackerID string, kind domain.CategoryKind) ([]domain.CategoryEntry, error) {
	if m.ListCategoriesFunc != nil {
		return m.ListCategoriesFunc(ctx, trackerID, kind)
	}
	return nil, nil
}

// MockGateway is a mock implementation of Gateway for testing.
type MockGateway struct {
	ExtractFunc func(ctx context.Context, systemPrompt, userMessage string) (*Completion, error)
	ChatFunc    func(ctx context.Context, systemPrompt string, history []domain.ChatMessage, message string) (*Completion, error)

	mu    sync.Mutex
	calls int
}

func (m *MockGateway) Extract(ctx context.Context, systemPrompt, userMessage string) (*Completion, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, systemPrompt, userMessage)
	}
	return &Completion{Text: "[]"}, nil
}

func (m *MockGateway) Chat(ctx context.Context, systemPrompt string, history []domain.ChatMessage, message string) (*Completion, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, systemPrompt, history, message)
	}
	return &Completion{Text: "ok"}, nil
}

// Calls returns how many times the gateway was invoked.
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockArchive is a mock implementation of OutputArchive for testing.
type MockArchive struct {
	ArchiveModelOutputFunc func(ctx context.Context, output *ArchivedOutput) error
}

func (m *MockArchive) ArchiveModelOutput(ctx context.Context, output *ArchivedOutput) error {
	if m.ArchiveModelOutputFunc != nil {
		return m.ArchiveModelOutputFunc(ctx, output)
	}
	return nil
}

// storeWithPools serves the given entries grouped by kind.
func storeWithPools(entries ...domain.CategoryEntry) *MockCategoryStore {
	return &MockCategoryStore{
		ListCategoriesFunc: func(ctx context.Context, trackerID string, kind domain.CategoryKind) ([]domain.CategoryEntry, error) {
			var out []domain.CategoryEntry
			for _, e := range entries {
				if e.Kind == kind {
					out = append(out, e)
				}
			}
			return out, nil
		},
	}
}
