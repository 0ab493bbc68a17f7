package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/expense-assistant/internal/amqp"
	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/ledger"
	"github.com/dvloznov/expense-assistant/internal/ledger/inmemory"
	"github.com/dvloznov/expense-assistant/internal/logger"
	"github.com/dvloznov/expense-assistant/internal/pipeline"
)

// MockAssistant is a mock implementation of handlers.Assistant for testing.
type MockAssistant struct {
	ParseMessageFunc func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error)
	ChatReplyFunc    func(ctx context.Context, message string, history []domain.ChatMessage) (*pipeline.ChatResult, error)
}

func (m *MockAssistant) ParseMessage(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
	if m.ParseMessageFunc != nil {
		return m.ParseMessageFunc(ctx, req)
	}
	return &pipeline.ParseResult{ExchangeID: req.ExchangeID}, nil
}

func (m *MockAssistant) ChatReply(ctx context.Context, message string, history []domain.ChatMessage) (*pipeline.ChatResult, error) {
	if m.ChatReplyFunc != nil {
		return m.ChatReplyFunc(ctx, message, history)
	}
	return &pipeline.ChatResult{Reply: "ok"}, nil
}

// MockPublisher is a mock implementation of handlers.Publisher for testing.
type MockPublisher struct {
	PublishFunc func(ctx context.Context, msg *amqp.TransactionsParsedMessage) error
	published   []*amqp.TransactionsParsedMessage
}

func (m *MockPublisher) PublishTransactionsParsed(ctx context.Context, msg *amqp.TransactionsParsedMessage) error {
	m.published = append(m.published, msg)
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, msg)
	}
	return nil
}

type testServer struct {
	handler   http.Handler
	store     *inmemory.Store
	ledger    *ledger.Ledger
	publisher *MockPublisher
}

func newTestServer(assistant *MockAssistant) *testServer {
	store := inmemory.NewStore()
	l := ledger.New(store, time.UTC)
	pub := &MockPublisher{}
	h := NewRouter(Deps{Assistant: assistant, Ledger: l, Publisher: pub}, logger.NewWithWriter(&bytes.Buffer{}), Options{RateLimitRPS: 1000, RateLimitBurst: 1000})
	return &testServer{handler: h, store: store, ledger: l, publisher: pub}
}

func (s *testServer) message(userID, exchangeID string, role domain.ChatRole) (ledger.MessageEntry, bool) {
	return s.store.Message(ledger.MessageID(userID, exchangeID, role))
}

func (s *testServer) do(method, path, userID, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

const parseBody = `{"text":"lunch 250 by upi","tracker":{"id":"t1","name":"Home","type":"personal","currency":"INR"}}`

func sampleTransactions() []domain.Transaction {
	return []domain.Transaction{{
		Amount: 250, CategoryID: "c1", CategoryName: "Food & Dining", SubcategoryName: "Restaurants",
		Currency: "INR", OccurredAt: time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC),
		Details: domain.ExpenseDetails{PaymentMethod: "UPI"},
	}}
}

func TestHealth(t *testing.T) {
	s := newTestServer(&MockAssistant{})
	rec := s.do(http.MethodGet, "/health", "", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestParseTransactions_Success(t *testing.T) {
	var gotReq pipeline.ParseRequest
	s := newTestServer(&MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			gotReq = req
			return &pipeline.ParseResult{
				ExchangeID:   req.ExchangeID,
				Transactions: sampleTransactions(),
				Usage:        domain.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
				RawText:      `[{"amount":250}]`,
			}, nil
		},
	})

	rec := s.do(http.MethodPost, "/api/transactions/parse", "u1", parseBody, map[string]string{"X-Exchange-ID": "ex-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotReq.TrackerID != "t1" || gotReq.TrackerCurrency != "INR" || gotReq.ExchangeID != "ex-1" {
		t.Errorf("ParseRequest = %+v", gotReq)
	}

	var body struct {
		ExchangeID   string                   `json:"exchangeId"`
		Transactions []map[string]interface{} `json:"transactions"`
		Usage        domain.Usage             `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ExchangeID != "ex-1" || len(body.Transactions) != 1 || body.Usage.TotalTokens != 120 {
		t.Errorf("body = %+v", body)
	}
	if body.Transactions[0]["paymentMethod"] != "UPI" {
		t.Errorf("transaction = %v", body.Transactions[0])
	}

	user, ok := s.message("u1", "ex-1", domain.ChatRoleUser)
	if !ok || user.TokenCount != 100 || user.Tracker.Name != "Home" {
		t.Errorf("user entry = %+v, %v", user, ok)
	}
	assistant, ok := s.message("u1", "ex-1", domain.ChatRoleAssistant)
	if !ok || assistant.TokenCount != 20 {
		t.Errorf("assistant entry = %+v, %v", assistant, ok)
	}

	if len(s.publisher.published) != 1 || s.publisher.published[0].UserID != "u1" || s.publisher.published[0].ExchangeID != "ex-1" {
		t.Errorf("published = %+v", s.publisher.published)
	}
}

func TestParseTransactions_RetryCorrectsUsage(t *testing.T) {
	tokens := 40
	s := newTestServer(&MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			return &pipeline.ParseResult{Usage: domain.Usage{PromptTokens: tokens, CompletionTokens: 10}}, nil
		},
	})
	headers := map[string]string{"X-Exchange-ID": "ex-1"}

	s.do(http.MethodPost, "/api/transactions/parse", "u1", parseBody, headers)
	tokens = 90
	s.do(http.MethodPost, "/api/transactions/parse", "u1", parseBody, headers)

	today := s.ledger.Today()
	buckets, err := s.ledger.DailyUsage(context.Background(), "u1", "t1", today, today)
	if err != nil {
		t.Fatalf("DailyUsage() error = %v", err)
	}
	if len(buckets) != 1 || buckets[0].TotalMessages != 2 || buckets[0].TotalTokens != 100 {
		t.Errorf("buckets = %+v, want 2 messages and 100 tokens", buckets)
	}
}

func TestParseTransactions_InputFailureStillRecordsUsage(t *testing.T) {
	s := newTestServer(&MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			return nil, &pipeline.Error{
				Kind:              pipeline.ErrCategoryNotFound,
				Message:           "Categories not found: Gadgets",
				MissingCategories: []string{"Gadgets"},
				Usage:             &domain.Usage{PromptTokens: 80, CompletionTokens: 15},
			}
		},
	})

	rec := s.do(http.MethodPost, "/api/transactions/parse", "u1", parseBody, map[string]string{"X-Exchange-ID": "ex-2"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"missingCategories":["Gadgets"]`) || !strings.Contains(rec.Body.String(), `"error":"CategoryNotFound"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if m, ok := s.message("u1", "ex-2", domain.ChatRoleUser); !ok || m.TokenCount != 80 {
		t.Errorf("user entry = %+v, %v", m, ok)
	}
	if len(s.publisher.published) != 0 {
		t.Error("failed parse was published")
	}
}

func TestParseTransactions_FailureBeforeUpstreamRecordsNothing(t *testing.T) {
	s := newTestServer(&MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			return nil, &pipeline.Error{Kind: pipeline.ErrNoCategoriesConfigured, Message: "tracker t1 has no categories"}
		},
	})

	rec := s.do(http.MethodPost, "/api/transactions/parse", "u1", parseBody, map[string]string{"X-Exchange-ID": "ex-3"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", rec.Code)
	}
	if _, ok := s.message("u1", "ex-3", domain.ChatRoleUser); ok {
		t.Error("usage recorded without an upstream call")
	}
}

func TestParseTransactions_CancelledRecordsNothing(t *testing.T) {
	s := newTestServer(&MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			return nil, context.Canceled
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/transactions/parse", strings.NewReader(parseBody)).WithContext(ctx)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("X-Exchange-ID", "ex-4")
	s.handler.ServeHTTP(httptest.NewRecorder(), req)

	if _, ok := s.message("u1", "ex-4", domain.ChatRoleUser); ok {
		t.Error("usage recorded for a cancelled request")
	}
}

func TestParseTransactions_PublishFailureKeepsResponse(t *testing.T) {
	s := newTestServer(&MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			return &pipeline.ParseResult{Transactions: sampleTransactions()}, nil
		},
	})
	s.publisher.PublishFunc = func(ctx context.Context, msg *amqp.TransactionsParsedMessage) error {
		return errors.New("broker down")
	}

	rec := s.do(http.MethodPost, "/api/transactions/parse", "u1", parseBody, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestParseTransactions_EstimatesMissingUsage(t *testing.T) {
	s := newTestServer(&MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			return &pipeline.ParseResult{RawText: "12345678"}, nil
		},
	})

	s.do(http.MethodPost, "/api/transactions/parse", "u1", parseBody, map[string]string{"X-Exchange-ID": "ex-5"})

	if m, _ := s.message("u1", "ex-5", domain.ChatRoleUser); m.TokenCount != ledger.EstimateTokens("lunch 250 by upi") {
		t.Errorf("user tokens = %d", m.TokenCount)
	}
	if m, _ := s.message("u1", "ex-5", domain.ChatRoleAssistant); m.TokenCount != 2 {
		t.Errorf("assistant tokens = %d, want 2", m.TokenCount)
	}
}

func TestParseTransactions_RequestErrors(t *testing.T) {
	s := newTestServer(&MockAssistant{})

	if rec := s.do(http.MethodPost, "/api/transactions/parse", "", parseBody, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing user status = %d, want 401", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/api/transactions/parse", "u1", "{not json", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
}

func TestChat(t *testing.T) {
	var gotHistory []domain.ChatMessage
	s := newTestServer(&MockAssistant{
		ChatReplyFunc: func(ctx context.Context, message string, history []domain.ChatMessage) (*pipeline.ChatResult, error) {
			gotHistory = history
			return &pipeline.ChatResult{Reply: "Hello! Tell me what you spent.", Usage: domain.Usage{PromptTokens: 30, CompletionTokens: 8, TotalTokens: 38}}, nil
		},
	})

	body := `{"message":"hi","history":[{"role":"user","content":"hello"},{"role":"assistant","content":"hey"}],"tracker":{"id":"t1"}}`
	rec := s.do(http.MethodPost, "/api/chat", "u1", body, map[string]string{"X-Exchange-ID": "chat-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"reply":"Hello! Tell me what you spent."`) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if len(gotHistory) != 2 || gotHistory[1].Role != domain.ChatRoleAssistant {
		t.Errorf("history = %+v", gotHistory)
	}
	if m, ok := s.message("u1", "chat-1", domain.ChatRoleAssistant); !ok || m.TokenCount != 8 {
		t.Errorf("assistant entry = %+v, %v", m, ok)
	}
}

func TestChat_UpstreamFailure(t *testing.T) {
	s := newTestServer(&MockAssistant{
		ChatReplyFunc: func(ctx context.Context, message string, history []domain.ChatMessage) (*pipeline.ChatResult, error) {
			return nil, &pipeline.Error{Kind: pipeline.ErrUpstreamTimeout, Message: "the model did not answer in time"}
		},
	})

	rec := s.do(http.MethodPost, "/api/chat", "u1", `{"message":"hi"}`, nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestDailyUsage(t *testing.T) {
	s := newTestServer(&MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			return &pipeline.ParseResult{Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
		},
	})
	s.do(http.MethodPost, "/api/transactions/parse", "u1", parseBody, nil)

	today := s.ledger.Today().String()
	rec := s.do(http.MethodGet, "/api/usage/daily?tracker_id=t1&from="+today+"&to="+today, "u1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Buckets []ledger.DailyBucket `json:"buckets"`
		Count   int                  `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Buckets[0].TotalTokens != 15 || body.Buckets[0].AIMessages != 1 {
		t.Errorf("body = %+v", body)
	}

	if rec := s.do(http.MethodGet, "/api/usage/daily", "u2", "", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"buckets":[]`) {
		t.Errorf("empty usage = %d %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(http.MethodGet, "/api/usage/daily?from=yesterday", "u1", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/api/usage/daily?from=2025-03-15&to=2025-03-14", "u1", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("reversed range status = %d, want 400", rec.Code)
	}
}

func TestTrackerLifecycle(t *testing.T) {
	s := newTestServer(&MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			return &pipeline.ParseResult{Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
		},
	})
	s.do(http.MethodPost, "/api/transactions/parse", "u1", parseBody, map[string]string{"X-Exchange-ID": "ex-1"})

	if rec := s.do(http.MethodPut, "/api/trackers/t1", "u1", `{"name":"Family","type":"shared"}`, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("rename status = %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/api/trackers/t1/deleted", "u1", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("mark deleted status = %d", rec.Code)
	}
	m, _ := s.message("u1", "ex-1", domain.ChatRoleUser)
	if m.Tracker.Name != "Family" || m.Tracker.Type != "shared" || !m.Tracker.Deleted {
		t.Errorf("snapshot = %+v", m.Tracker)
	}

	if rec := s.do(http.MethodDelete, "/api/users/u2/usage", "u1", "", nil); rec.Code != http.StatusForbidden {
		t.Errorf("foreign purge status = %d, want 403", rec.Code)
	}
	if rec := s.do(http.MethodDelete, "/api/trackers/t1/usage", "u1", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("purge tracker status = %d", rec.Code)
	}
	if _, ok := s.message("u1", "ex-1", domain.ChatRoleUser); ok {
		t.Error("PurgeTracker left history behind")
	}
	if rec := s.do(http.MethodDelete, "/api/users/u1/usage", "u1", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("purge self status = %d", rec.Code)
	}
}

func TestTrackerLifecycle_ForeignUserHasNoEffect(t *testing.T) {
	s := newTestServer(&MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			return &pipeline.ParseResult{Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
		},
	})
	s.do(http.MethodPost, "/api/transactions/parse", "alice", parseBody, map[string]string{"X-Exchange-ID": "ex-1"})

	for _, tt := range []struct {
		method, path, body string
	}{
		{http.MethodPut, "/api/trackers/t1", `{"name":"Hijacked","type":"x"}`},
		{http.MethodPost, "/api/trackers/t1/deleted", ""},
		{http.MethodDelete, "/api/trackers/t1/usage", ""},
	} {
		if rec := s.do(tt.method, tt.path, "mallory", tt.body, nil); rec.Code != http.StatusNoContent {
			t.Errorf("%s %s status = %d", tt.method, tt.path, rec.Code)
		}
	}

	m, ok := s.message("alice", "ex-1", domain.ChatRoleUser)
	if !ok {
		t.Fatal("another user's purge removed alice's history")
	}
	if m.Tracker.Name != "Home" || m.Tracker.Deleted {
		t.Errorf("snapshot = %+v, want untouched", m.Tracker)
	}
	today := s.ledger.Today()
	if buckets, _ := s.ledger.DailyUsage(context.Background(), "alice", "t1", today, today); len(buckets) != 1 || buckets[0].TotalTokens != 15 {
		t.Errorf("alice buckets = %+v, want 15 tokens", buckets)
	}
}

func TestParseTransactions_SharedExchangeIDIsPerUser(t *testing.T) {
	tokens := 10
	s := newTestServer(&MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			return &pipeline.ParseResult{Usage: domain.Usage{PromptTokens: tokens, CompletionTokens: 1}}, nil
		},
	})
	headers := map[string]string{"X-Exchange-ID": "shared"}

	s.do(http.MethodPost, "/api/transactions/parse", "alice", parseBody, headers)
	tokens = 500
	s.do(http.MethodPost, "/api/transactions/parse", "bob", parseBody, headers)

	today := s.ledger.Today()
	for user, want := range map[string]int64{"alice": 11, "bob": 501} {
		buckets, err := s.ledger.DailyUsage(context.Background(), user, "t1", today, today)
		if err != nil {
			t.Fatalf("DailyUsage(%s) error = %v", user, err)
		}
		if len(buckets) != 1 || buckets[0].TotalMessages != 2 || buckets[0].TotalTokens != want {
			t.Errorf("%s buckets = %+v, want 2 messages and %d tokens", user, buckets, want)
		}
	}
}

// cancellingLedger cancels the request after the first usage write.
type cancellingLedger struct {
	*ledger.Ledger
	cancel context.CancelFunc
	errs   []error
}

func (c *cancellingLedger) RecordExchange(ctx context.Context, ex ledger.Exchange) error {
	err := c.Ledger.RecordExchange(ctx, ex)
	c.errs = append(c.errs, err)
	c.cancel()
	return err
}

func TestParseTransactions_CancelBetweenUsageWrites(t *testing.T) {
	store := inmemory.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	usage := &cancellingLedger{Ledger: ledger.New(store, time.UTC), cancel: cancel}

	assistant := &MockAssistant{
		ParseMessageFunc: func(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error) {
			return &pipeline.ParseResult{RawText: "[]", Usage: domain.Usage{PromptTokens: 40, CompletionTokens: 10}}, nil
		},
	}
	h := NewRouter(Deps{Assistant: assistant, Ledger: usage}, logger.NewWithWriter(&bytes.Buffer{}), Options{RateLimitRPS: 1000, RateLimitBurst: 1000})

	req := httptest.NewRequest(http.MethodPost, "/api/transactions/parse", strings.NewReader(parseBody)).WithContext(ctx)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("X-Exchange-ID", "ex-9")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if len(usage.errs) != 2 {
		t.Fatalf("usage writes = %d, want 2", len(usage.errs))
	}
	for i, err := range usage.errs {
		if err != nil {
			t.Errorf("write %d error = %v", i, err)
		}
	}
	if _, ok := store.Message(ledger.MessageID("u1", "ex-9", domain.ChatRoleAssistant)); !ok {
		t.Error("assistant side missing after cancel between writes")
	}
}
