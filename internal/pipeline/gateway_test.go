package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/dvloznov/expense-assistant/internal/domain"
	"google.golang.org/genai"
)

func textResponse(text string, prompt, candidates int32) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}}},
		},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     prompt,
			CandidatesTokenCount: candidates,
			TotalTokenCount:      prompt + candidates,
		},
	}
}

func testGateway(cfg GatewayConfig, generate generateFunc) *GeminiGateway {
	return &GeminiGateway{cfg: withGatewayDefaults(cfg), generate: generate}
}

func TestNewGeminiGateway_Unconfigured(t *testing.T) {
	g, err := NewGeminiGateway(context.Background(), GatewayConfig{})
	if err != nil {
		t.Fatalf("NewGeminiGateway() error = %v", err)
	}

	_, err1 := g.Extract(context.Background(), "system", "hello")
	_, err2 := g.Chat(context.Background(), ChatPersona, nil, "hello")

	mustPipelineError(t, err1, ErrConfiguration)
	mustPipelineError(t, err2, ErrConfiguration)
	if err1.Error() != err2.Error() {
		t.Errorf("unconfigured failures differ: %v vs %v", err1, err2)
	}
}

func TestGeminiGateway_Extract(t *testing.T) {
	var gotModel string
	var gotConfig *genai.GenerateContentConfig
	var gotContents []*genai.Content

	g := testGateway(GatewayConfig{Model: "gemini-test"}, func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		gotModel, gotContents, gotConfig = model, contents, config
		return textResponse(`[{"amount":1}]`, 100, 20), nil
	})

	c, err := g.Extract(context.Background(), "system prompt", "lunch 250")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if c.Text != `[{"amount":1}]` {
		t.Errorf("Text = %q", c.Text)
	}
	if c.Usage != (domain.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}) {
		t.Errorf("Usage = %+v", c.Usage)
	}
	if gotModel != "gemini-test" || c.Model != "gemini-test" {
		t.Errorf("model = %q / %q, want gemini-test", gotModel, c.Model)
	}
	if len(gotContents) != 1 || gotContents[0].Parts[0].Text != "lunch 250" {
		t.Errorf("contents = %+v", gotContents)
	}
	if gotConfig.SystemInstruction == nil || gotConfig.SystemInstruction.Parts[0].Text != "system prompt" {
		t.Error("system prompt not sent as system instruction")
	}
	if gotConfig.Temperature == nil || *gotConfig.Temperature != DefaultTemperature {
		t.Errorf("Temperature = %v, want %v", gotConfig.Temperature, DefaultTemperature)
	}
	if gotConfig.MaxOutputTokens != DefaultMaxOutputTokens {
		t.Errorf("MaxOutputTokens = %d, want %d", gotConfig.MaxOutputTokens, DefaultMaxOutputTokens)
	}
}

func TestGeminiGateway_ChatHistoryRoles(t *testing.T) {
	var gotContents []*genai.Content
	g := testGateway(GatewayConfig{}, func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		gotContents = contents
		return textResponse("sure", 10, 2), nil
	})

	history := []domain.ChatMessage{
		{Role: domain.ChatRoleUser, Content: "hi"},
		{Role: domain.ChatRoleAssistant, Content: "hello"},
		{Role: domain.ChatRoleUser, Content: "  "},
	}
	if _, err := g.Chat(context.Background(), ChatPersona, history, "tips?"); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	wantRoles := []string{"user", "model", "user"}
	if len(gotContents) != len(wantRoles) {
		t.Fatalf("len(contents) = %d, want %d", len(gotContents), len(wantRoles))
	}
	for i, want := range wantRoles {
		if gotContents[i].Role != want {
			t.Errorf("contents[%d].Role = %q, want %q", i, gotContents[i].Role, want)
		}
	}
	if gotContents[2].Parts[0].Text != "tips?" {
		t.Errorf("last message = %q, want tips?", gotContents[2].Parts[0].Text)
	}
}

func TestGeminiGateway_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind ErrorKind
	}{
		{"api rate limit", &genai.APIError{Code: http.StatusTooManyRequests, Message: "quota"}, ErrUpstreamRateLimited},
		{"api gateway timeout", &genai.APIError{Code: http.StatusGatewayTimeout, Message: "slow"}, ErrUpstreamTimeout},
		{"api server error", &genai.APIError{Code: http.StatusServiceUnavailable, Message: "down"}, ErrUpstreamUnavailable},
		{"resource exhausted text", errors.New("rpc error: RESOURCE_EXHAUSTED"), ErrUpstreamRateLimited},
		{"deadline", context.DeadlineExceeded, ErrUpstreamTimeout},
		{"network", errors.New("dial tcp: connection refused"), ErrUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGateway(GatewayConfig{}, func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
				return nil, tt.err
			})

			_, err := g.Extract(context.Background(), "system", "msg")
			pe := mustPipelineError(t, err, tt.wantKind)
			if !pe.Kind.Transient() {
				t.Errorf("%s must be transient", pe.Kind)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("error does not wrap the upstream cause")
			}
		})
	}
}

func TestGeminiGateway_Timeout(t *testing.T) {
	g := testGateway(GatewayConfig{Timeout: 10 * time.Millisecond}, func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := g.Extract(context.Background(), "system", "msg")
	mustPipelineError(t, err, ErrUpstreamTimeout)
}

func TestGeminiGateway_CallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := testGateway(GatewayConfig{Timeout: time.Second}, func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return nil, ctx.Err()
	})

	_, err := g.Extract(ctx, "system", "msg")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if _, ok := KindOf(err); ok {
		t.Errorf("caller cancellation must not be a pipeline error, got %v", err)
	}
}
