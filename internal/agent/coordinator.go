package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/metrics"
	"github.com/ashureev/supportdesk/internal/realtime"
	"github.com/ashureev/supportdesk/internal/store"
)

// Store is the persistence the coordinator needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	AssignAgent(ctx context.Context, conversationID, agentID string) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	AdjustLoad(ctx context.Context, agentID string, delta int) error
}

// Selector picks an agent for an unassigned conversation.
type Selector interface {
	Select(ctx context.Context) (domain.Agent, error)
}

// Broadcaster announces agent assignments to a conversation.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID string, f realtime.Frame, exclude *realtime.Handle) int
}

// Config holds coordinator settings.
type Config struct {
	// DefaultTimeout bounds generation when the agent sets no response timeout.
	DefaultTimeout time.Duration
}

// Coordinator assigns agents to conversations and runs generation turns
// inside per-(agent, session) sessions.
type Coordinator struct {
	store    Store
	router   Selector
	gen      Generator
	bcast    Broadcaster
	detector escalationDetector
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

// NewCoordinator creates a coordinator. m and logger may be nil.
func NewCoordinator(st Store, router Selector, gen Generator, bcast Broadcaster, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = domain.DefaultResponseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    st,
		router:   router,
		gen:      gen,
		bcast:    bcast,
		detector: newKeywordEscalation(),
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "coordinator"),
		sessions: make(map[sessionKey]*session),
	}
}

// ProcessTurn answers one customer message. Generation failures yield a
// degraded result with a nil error; an error is returned only when the
// conversation cannot be loaded or no agent can be assigned.
func (c *Coordinator) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	start := time.Now()

	conv, err := c.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load conversation %s: %w", req.ConversationID, err)
	}

	ag, err := c.resolveAgent(ctx, conv)
	if err != nil {
		return TurnResult{}, err
	}

	sess := c.lockSession(ag, conv.SessionID)
	defer sess.mu.Unlock()
	sess.touch()

	// One extra row covers the current message, which is already stored.
	history, err := c.store.RecentMessages(ctx, conv.ID, historyLimit+1)
	if err != nil {
		c.logger.Warn("Failed to load history, continuing without it", "conversation_id", conv.ID, "error", err)
		history = nil
	}
	prompt := BuildPrompt(req.CustomerContext, priorHistory(history, req.MessageID), req.Message)

	reply, err := c.generate(ctx, ag.ResponseTimeout(c.cfg.DefaultTimeout), sess.context(), prompt)
	elapsed := time.Since(start)
	c.metrics.Generation(elapsed)
	if err != nil {
		c.logger.Warn("Generation failed, returning degraded reply",
			"conversation_id", conv.ID, "agent_id", ag.ID, "elapsed", elapsed, "error", err)
		c.metrics.Turn(metrics.OutcomeDegraded)
		return DegradedResult(elapsed, ReasonTechnicalError), nil
	}
	sess.record(prompt, reply)

	result := TurnResult{
		Message:        reply,
		Confidence:     replyConfidence,
		ProcessingTime: elapsed,
		AgentID:        ag.ID,
		Suggestions:    suggestions(),
	}
	if c.detector.RequiresEscalation(req.Message) {
		result.RequiresEscalation = true
		result.EscalationReason = ReasonComplexIssue
	}
	c.metrics.Turn(metrics.OutcomeOK)
	return result, nil
}

// generate runs the generator under timeout. The deadline holds even if the
// generator ignores its context.
func (c *Coordinator) generate(ctx context.Context, timeout time.Duration, sc SessionContext, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := c.gen.Generate(ctx, sc, prompt)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.text == "" {
			r.err = ErrEmptyReply
		}
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("generation timed out after %s: %w", timeout, ctx.Err())
	}
}

func (c *Coordinator) resolveAgent(ctx context.Context, conv *domain.Conversation) (domain.Agent, error) {
	if conv.HasAgent() {
		a, err := c.store.GetAgent(ctx, conv.AssignedAgentID)
		if err == nil {
			return *a, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Agent{}, fmt.Errorf("load assigned agent %s: %w", conv.AssignedAgentID, err)
		}
		c.logger.Warn("Assigned agent no longer exists, reassigning",
			"conversation_id", conv.ID, "agent_id", conv.AssignedAgentID)
	}

	a, err := c.router.Select(ctx)
	if err != nil {
		c.metrics.RoutingFailed(FailureReason(err))
		c.metrics.Turn(metrics.OutcomeRoutingFailed)
		return domain.Agent{}, fmt.Errorf("%w: %w", ErrNoAgentAvailable, err)
	}
	if err := c.store.AssignAgent(ctx, conv.ID, a.ID); err != nil {
		return domain.Agent{}, fmt.Errorf("assign agent %s: %w", a.ID, err)
	}
	if err := c.store.AdjustLoad(ctx, a.ID, 1); err != nil {
		c.logger.Warn("Failed to increment agent load", "agent_id", a.ID, "error", err)
	}
	conv.AssignedAgentID = a.ID
	c.metrics.Assigned(a.ID)
	c.logger.Info("Agent assigned", "conversation_id", conv.ID, "agent_id", a.ID)

	c.bcast.Broadcast(ctx, conv.ID, realtime.NewFrame(conv.ID, realtime.AgentAssignedPayload{
		AgentID:   a.ID,
		AgentName: a.Name,
		Message:   a.Name + " has joined the conversation",
	}), nil)
	return a, nil
}

// lockSession returns the live session for the key with its mutex held,
// creating one if needed. A session closed while waiting is replaced.
func (c *Coordinator) lockSession(a domain.Agent, sessionID string) *session {
	key := sessionKey{a.ID, sessionID}
	for {
		c.mu.Lock()
		s, ok := c.sessions[key]
		if !ok {
			s = newSession(a, sessionID)
			c.sessions[key] = s
			c.metrics.SessionsChanged(len(c.sessions))
		}
		c.mu.Unlock()

		s.mu.Lock()
		if s.state == SessionActive {
			return s
		}
		s.mu.Unlock()
	}
}

// CloseSession discards the session for the key. It is safe to call for
// unknown or already-closed sessions.
func (c *Coordinator) CloseSession(agentID, sessionID string) bool {
	key := sessionKey{agentID, sessionID}
	c.mu.Lock()
	s, ok := c.sessions[key]
	if ok {
		delete(c.sessions, key)
		c.metrics.SessionsChanged(len(c.sessions))
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.state = SessionClosed
	s.mu.Unlock()
	c.logger.Debug("Session closed", "agent_id", agentID, "session_id", sessionID)
	return true
}

// Session returns a snapshot of a live session.
func (c *Coordinator) Session(agentID, sessionID string) (SessionSnapshot, bool) {
	c.mu.Lock()
	s, ok := c.sessions[sessionKey{agentID, sessionID}]
	c.mu.Unlock()
	if !ok {
		return SessionSnapshot{}, false
	}
	return s.snapshot(), true
}

// SessionCount returns the number of live sessions.
func (c *Coordinator) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// SweepIdle closes sessions idle for longer than maxIdle. Sessions with a
// turn in progress are skipped.
func (c *Coordinator) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	c.mu.Lock()
	var expired []*session
	for key, s := range c.sessions {
		if !s.idleSince().Before(cutoff) {
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		s.state = SessionClosed
		s.mu.Unlock()
		delete(c.sessions, key)
		expired = append(expired, s)
	}
	c.metrics.SessionsChanged(len(c.sessions))
	c.mu.Unlock()

	for _, s := range expired {
		c.logger.Debug("Idle session expired", "agent_id", s.key.agentID, "session_id", s.key.sessionID)
	}
	return len(expired)
}
