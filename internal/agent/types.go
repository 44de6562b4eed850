// Package agent coordinates per-conversation agent sessions and produces
// replies through a text generation backend.
package agent

import (
	"errors"
	"time"

	"github.com/ashureev/supportdesk/internal/routing"
)

// SystemAgentID marks replies produced without an agent.
const SystemAgentID = "system"

// Fixed reply texts and escalation reasons.
const (
	DegradedMessage = "I apologize, but I'm experiencing technical difficulties. " +
		"Please hold on while I connect you with a human agent."
	ReasonTechnicalError = "Technical error in AI system"
	ReasonComplexIssue   = "Complex issue requiring human expertise"
	ReasonNoAgents       = "No agents available"
	ReasonAgentsBusy     = "All agents at capacity"
)

const (
	replyConfidence    = 0.85
	degradedConfidence = 0.1
)

var (
	// ErrNoAgentAvailable wraps the routing error when no agent could be assigned.
	ErrNoAgentAvailable = errors.New("no agent available")
	// ErrGeneratorUnavailable means no generation backend is configured or reachable.
	ErrGeneratorUnavailable = errors.New("generator unavailable")
	// ErrEmptyReply means the generator returned no text.
	ErrEmptyReply = errors.New("generator returned an empty reply")
)

// TurnRequest is one customer message to answer.
type TurnRequest struct {
	ConversationID  string
	MessageID       string
	Message         string
	CustomerContext map[string]any
}

// TurnResult is the reply produced for a turn.
type TurnResult struct {
	Message            string        `json:"message"`
	Confidence         float64       `json:"confidence"`
	ProcessingTime     time.Duration `json:"-"`
	AgentID            string        `json:"agent_id"`
	Suggestions        []string      `json:"suggestions"`
	RequiresEscalation bool          `json:"requires_human_escalation"`
	EscalationReason   string        `json:"escalation_reason,omitempty"`
	Degraded           bool          `json:"-"`
}

// ProcessingTimeMs returns the processing time in whole milliseconds.
func (r TurnResult) ProcessingTimeMs() int64 {
	return r.ProcessingTime.Milliseconds()
}

// DegradedResult is the apology reply used whenever a turn cannot be generated.
// It always requests escalation to a human.
func DegradedResult(elapsed time.Duration, reason string) TurnResult {
	if reason == "" {
		reason = ReasonTechnicalError
	}
	return TurnResult{
		Message:            DegradedMessage,
		Confidence:         degradedConfidence,
		ProcessingTime:     elapsed,
		AgentID:            SystemAgentID,
		Suggestions:        []string{},
		RequiresEscalation: true,
		EscalationReason:   reason,
		Degraded:           true,
	}
}

// FailureReason maps a ProcessTurn error to the escalation reason shown to humans.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, routing.ErrNoAgentsAvailable):
		return ReasonNoAgents
	case errors.Is(err, routing.ErrAllAgentsSaturated):
		return ReasonAgentsBusy
	default:
		return ReasonTechnicalError
	}
}
