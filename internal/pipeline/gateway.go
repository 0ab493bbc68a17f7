package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/logger"
	"google.golang.org/genai"
)

// GatewayConfig holds the fixed sampling parameters of the upstream call.
type GatewayConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32

	// Timeout bounds one upstream call. Zero means only the caller's context applies.
	Timeout time.Duration
}

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// GeminiGateway calls the Gemini chat-completion API.
type GeminiGateway struct {
	cfg       GatewayConfig
	generate  generateFunc
	configErr error
}

// NewGeminiGateway creates a gateway from cfg. Without an API key the
// gateway is still returned, but every call fails with a ConfigurationError.
func NewGeminiGateway(ctx context.Context, cfg GatewayConfig) (*GeminiGateway, error) {
	cfg = withGatewayDefaults(cfg)

	if strings.TrimSpace(cfg.APIKey) == "" {
		return &GeminiGateway{
			cfg:       cfg,
			configErr: newError(ErrConfiguration, "no model API key configured"),
		}, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiGateway: create genai client: %w", err)
	}

	return &GeminiGateway{cfg: cfg, generate: client.Models.GenerateContent}, nil
}

func withGatewayDefaults(cfg GatewayConfig) GatewayConfig {
	if cfg.Model == "" {
		cfg.Model = DefaultModelName
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}
	return cfg
}

// Extract implements Gateway.
func (g *GeminiGateway) Extract(ctx context.Context, systemPrompt, userMessage string) (*Completion, error) {
	contents := []*genai.Content{userContent(userMessage)}
	return g.call(ctx, systemPrompt, contents)
}

// Chat implements Gateway.
func (g *GeminiGateway) Chat(ctx context.Context, systemPrompt string, history []domain.ChatMessage, message string) (*Completion, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := "user"
		if m.Role == domain.ChatRoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	contents = append(contents, userContent(message))
	return g.call(ctx, systemPrompt, contents)
}

func userContent(text string) *genai.Content {
	return &genai.Content{Role: "user", Parts: []*genai.Part{{Text: text}}}
}

func (g *GeminiGateway) call(ctx context.Context, systemPrompt string, contents []*genai.Content) (*Completion, error) {
	if g.configErr != nil {
		return nil, g.configErr
	}

	log := logger.FromContext(ctx)

	callCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.cfg.Temperature),
		MaxOutputTokens: g.cfg.MaxOutputTokens,
	}
	if systemPrompt != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}

	start := time.Now()
	resp, err := g.generate(callCtx, g.cfg.Model, contents, config)
	if err != nil {
		// Caller cancellation is not an upstream failure.
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		classified := classifyUpstreamError(callCtx, err)
		log.Warn().Err(err).Str("model", g.cfg.Model).Str("error_kind", string(classified.Kind)).Msg("Upstream call failed")
		return nil, classified
	}
	if resp == nil {
		return nil, newError(ErrUpstreamUnavailable, "the model returned no response")
	}

	completion := &Completion{Text: resp.Text(), Model: g.cfg.Model}
	if resp.ModelVersion != "" {
		completion.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		completion.Usage = domain.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}

	log.Debug().
		Str("model", completion.Model).
		Int("total_tokens", completion.Usage.TotalTokens).
		Dur("latency", time.Since(start)).
		Msg("Upstream call completed")

	return completion, nil
}

// classifyUpstreamError maps a failed upstream call onto a transient kind.
func classifyUpstreamError(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: ErrUpstreamTimeout, Message: "the model did not answer in time", Err: err}
	}

	if code, ok := apiErrorCode(err); ok {
		switch {
		case code == http.StatusTooManyRequests:
			return &Error{Kind: ErrUpstreamRateLimited, Message: "the model is rate limited", Err: err}
		case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
			return &Error{Kind: ErrUpstreamTimeout, Message: "the model did not answer in time", Err: err}
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "429") {
		return &Error{Kind: ErrUpstreamRateLimited, Message: "the model is rate limited", Err: err}
	}
	if strings.Contains(msg, "DEADLINE_EXCEEDED") {
		return &Error{Kind: ErrUpstreamTimeout, Message: "the model did not answer in time", Err: err}
	}

	return &Error{Kind: ErrUpstreamUnavailable, Message: "the model is unavailable", Err: err}
}

func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
