package agent

import (
	"context"
	"fmt"
)

// Generator produces reply text for a prompt. The SessionContext is a copy.
type Generator interface {
	Generate(ctx context.Context, sc SessionContext, prompt string) (string, error)
}

// HealthChecker is implemented by generators that can report backend health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type unavailableGenerator struct {
	reason string
}

// NewUnavailableGenerator returns a Generator that always fails, so every
// turn degrades and is escalated to a human.
func NewUnavailableGenerator(reason string) Generator {
	return unavailableGenerator{reason: reason}
}

func (g unavailableGenerator) Generate(context.Context, SessionContext, string) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrGeneratorUnavailable, g.reason)
}

func (g unavailableGenerator) Health(context.Context) error {
	return fmt.Errorf("%w: %s", ErrGeneratorUnavailable, g.reason)
}
