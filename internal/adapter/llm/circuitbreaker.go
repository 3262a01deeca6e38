package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker/v2"

	"idekick/internal/domain"
	"idekick/internal/infra/config"
)

// CircuitBreakerBackend wraps a CompletionBackend with circuit breaker
// protection. When the backend fails repeatedly, the circuit opens and
// subsequent calls fail fast without reaching the API, preventing retry
// storms against an outage.
type CircuitBreakerBackend struct {
	inner   domain.CompletionBackend
	breaker *gobreaker.CircuitBreaker[*domain.CompletionResponse]
	logger  *slog.Logger
}

// NewCircuitBreakerBackend wraps inner with a circuit breaker. Zero-valued
// config fields fall back to defaults.
func NewCircuitBreakerBackend(inner domain.CompletionBackend, cfg config.BreakerConfig, logger *slog.Logger) *CircuitBreakerBackend {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	cb := gobreaker.NewCircuitBreaker[*domain.CompletionResponse](gobreaker.Settings{
		Name:        "completion:" + inner.Name(),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &CircuitBreakerBackend{inner: inner, breaker: cb, logger: logger}
}

// Complete implements domain.CompletionBackend.
func (b *CircuitBreakerBackend) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	resp, err := b.breaker.Execute(func() (*domain.CompletionResponse, error) {
		return b.inner.Complete(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("backend %q circuit open: %w", b.inner.Name(), err)
		}
		return nil, err
	}
	return resp, nil
}

// Name implements domain.CompletionBackend.
func (b *CircuitBreakerBackend) Name() string { return b.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (b *CircuitBreakerBackend) State() gobreaker.State {
	return b.breaker.State()
}
