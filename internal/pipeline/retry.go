package pipeline

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/logger"
)

// RetryPolicy bounds retries of transient upstream failures.
// MaxAttempts of 1 or less disables retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryingGateway retries transient failures of the wrapped gateway with
// exponential backoff and full jitter.
type RetryingGateway struct {
	next   Gateway
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps next with policy. Only upstream kinds are retried.
func WithRetry(next Gateway, policy RetryPolicy) *RetryingGateway {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 200 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}
	return &RetryingGateway{next: next, policy: policy, sleep: sleepContext}
}

// Extract implements Gateway.
func (r *RetryingGateway) Extract(ctx context.Context, systemPrompt, userMessage string) (*Completion, error) {
	return r.do(ctx, "extract", func() (*Completion, error) {
		return r.next.Extract(ctx, systemPrompt, userMessage)
	})
}

// Chat implements Gateway.
func (r *RetryingGateway) Chat(ctx context.Context, systemPrompt string, history []domain.ChatMessage, message string) (*Completion, error) {
	return r.do(ctx, "chat", func() (*Completion, error) {
		return r.next.Chat(ctx, systemPrompt, history, message)
	})
}

func (r *RetryingGateway) do(ctx context.Context, op string, call func() (*Completion, error)) (*Completion, error) {
	attempts := r.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		completion, err := call()
		if err == nil {
			return completion, nil
		}
		lastErr = err

		kind, ok := KindOf(err)
		if !ok || !kind.Transient() || attempt == attempts {
			return nil, err
		}

		delay := r.backoff(attempt)
		log := logger.FromContext(ctx)
		log.Info().
			Str("op", op).
			Int("attempt", attempt).
			Str("error_kind", string(kind)).
			Dur("delay", delay).
			Msg("Retrying upstream call")

		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoff returns a random delay in [0, min(MaxDelay, BaseDelay*2^(attempt-1))).
func (r *RetryingGateway) backoff(attempt int) time.Duration {
	ceiling := r.policy.BaseDelay << (attempt - 1)
	if ceiling <= 0 || ceiling > r.policy.MaxDelay {
		ceiling = r.policy.MaxDelay
	}
	return time.Duration(rand.Int64N(int64(ceiling)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
