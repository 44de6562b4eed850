package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker around a generator.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
	// Interval is the closed-state period after which failure counts reset.
	Interval time.Duration
}

// BreakerGenerator wraps a Generator so repeated failures fail fast.
type BreakerGenerator struct {
	inner   Generator
	breaker *gobreaker.CircuitBreaker[string]
}

// NewBreakerGenerator wraps inner with a circuit breaker. Zero config values use defaults.
func NewBreakerGenerator(inner Generator, cfg BreakerConfig, logger *slog.Logger) *BreakerGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "generator",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
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
	return &BreakerGenerator{inner: inner, breaker: cb}
}

// Generate implements Generator. Calls are routed through the circuit breaker.
func (b *BreakerGenerator) Generate(ctx context.Context, sc SessionContext, prompt string) (string, error) {
	text, err := b.breaker.Execute(func() (string, error) {
		return b.inner.Generate(ctx, sc, prompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: circuit open: %w", ErrGeneratorUnavailable, err)
	}
	return text, err
}

// Health reports an open circuit as unhealthy, otherwise defers to the inner generator.
func (b *BreakerGenerator) Health(ctx context.Context) error {
	if b.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit open", ErrGeneratorUnavailable)
	}
	if hc, ok := b.inner.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

// State returns the current circuit breaker state for monitoring.
func (b *BreakerGenerator) State() gobreaker.State {
	return b.breaker.State()
}

var _ Generator = (*BreakerGenerator)(nil)
