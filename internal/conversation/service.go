// Package conversation runs the turn pipeline: classify, persist, generate,
// persist, broadcast and escalate, serialized per conversation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/ashureev/supportdesk/internal/agent"
	"github.com/ashureev/supportdesk/internal/classify"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/metrics"
	"github.com/ashureev/supportdesk/internal/realtime"
	"github.com/ashureev/supportdesk/internal/shared"
	"github.com/ashureev/supportdesk/internal/store"
)

// EscalationNotice is shown to participants when a human takes over.
const EscalationNotice = "This conversation has been escalated to a human agent"

var (
	// ErrConversationClosed is returned for messages sent to a resolved or closed conversation.
	ErrConversationClosed = errors.New("conversation is closed")
	// ErrEmptyMessage is returned for blank message content.
	ErrEmptyMessage = errors.New("message content is required")
	// ErrInvalidStatus is returned for unknown or disallowed status transitions.
	ErrInvalidStatus = errors.New("invalid conversation status")
)

// Store is the persistence the pipeline needs.
type Store interface {
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error
	UpdateStatus(ctx context.Context, conversationID string, status domain.ConversationStatus, reason string) error
	AdjustLoad(ctx context.Context, agentID string, delta int) error
}

// TurnProcessor produces AI replies and owns agent sessions.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req agent.TurnRequest) (agent.TurnResult, error)
	CloseSession(agentID, sessionID string) bool
}

// Hub delivers frames to live connections.
type Hub interface {
	Broadcast(ctx context.Context, conversationID string, f realtime.Frame, exclude *realtime.Handle) int
	BroadcastAgents(ctx context.Context, f realtime.Frame) int
	CloseConversation(conversationID, reason string) int
}

// Config tunes pipeline behaviour.
type Config struct {
	// PauseAIOnEscalation stops AI replies once a conversation is escalated.
	PauseAIOnEscalation bool
}

// Service is the conversation turn pipeline.
type Service struct {
	store      Store
	turns      TurnProcessor
	hub        Hub
	classifier classify.Classifier
	locks      *shared.KeyedMutex
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewService creates the pipeline. m and logger may be nil.
func NewService(st Store, turns TurnProcessor, hub Hub, classifier classify.Classifier, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      st,
		turns:      turns,
		hub:        hub,
		classifier: classifier,
		locks:      shared.NewKeyedMutex(),
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With("component", "conversation"),
	}
}

// Inbound is a message entering the pipeline.
type Inbound struct {
	ConversationID  string
	Sender          domain.Participant
	Content         string
	Metadata        map[string]any
	CustomerContext map[string]any
}

// Outcome reports what a turn produced.
type Outcome struct {
	Inbound   domain.Message    `json:"message"`
	Reply     *domain.Message   `json:"reply,omitempty"`
	Result    *agent.TurnResult `json:"result,omitempty"`
	Escalated bool              `json:"escalated"`
}

// HandleInbound runs one turn. The caller's cancellation is ignored so a
// disconnect never aborts a turn midway.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) (*Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	unlock := s.locks.Lock(in.ConversationID)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv.Status.Terminal() {
		return nil, ErrConversationClosed
	}

	msg := domain.NewMessage(conv.ID, in.Sender.ID, in.Sender.SenderType(), content)
	maps.Copy(msg.Metadata, in.Metadata)
	if in.Sender.Role == domain.RoleCustomer && s.classifier != nil {
		var sentimentScore float64
		msg.Sentiment, sentimentScore = s.classifier.Sentiment(content)
		msg.Intent, msg.ConfidenceScore = s.classifier.Intent(content)
		msg.Metadata["sentiment_score"] = sentimentScore
	}
	if err := s.store.AppendMessage(ctx, conv.ID, msg); err != nil {
		return nil, fmt.Errorf("persist inbound message: %w", err)
	}

	out := &Outcome{Inbound: msg}
	if !s.aiReplies(conv, in.Sender) {
		s.broadcastMessage(ctx, conv.ID, msg)
		if in.Sender.Role == domain.RoleCustomer {
			s.metrics.Turn(metrics.OutcomeHumanOnly)
		}
		return out, nil
	}

	result, err := s.turns.ProcessTurn(ctx, agent.TurnRequest{
		ConversationID:  conv.ID,
		MessageID:       msg.ID,
		Message:         content,
		CustomerContext: in.CustomerContext,
	})
	if err != nil {
		if !errors.Is(err, agent.ErrNoAgentAvailable) {
			s.logger.Error("Turn failed", "conversation_id", conv.ID, "error", err)
		} else {
			s.logger.Warn("No agent available for turn", "conversation_id", conv.ID, "error", err)
		}
		result = agent.DegradedResult(time.Since(start), agent.FailureReason(err))
	}

	reply := replyMessage(conv.ID, result)
	if err := s.store.AppendMessage(ctx, conv.ID, reply); err != nil {
		// The inbound message is stored; still tell participants about it.
		s.broadcastMessage(ctx, conv.ID, msg)
		return out, fmt.Errorf("persist reply: %w", err)
	}

	s.broadcastMessage(ctx, conv.ID, msg)
	s.broadcastMessage(ctx, conv.ID, reply)
	out.Reply = &reply
	out.Result = &result

	if result.RequiresEscalation && conv.Status != domain.StatusEscalated {
		if err := s.escalate(ctx, conv.ID, result.EscalationReason); err != nil {
			return out, err
		}
		out.Escalated = true
	}
	return out, nil
}

func (s *Service) aiReplies(conv *domain.Conversation, sender domain.Participant) bool {
	if sender.Role != domain.RoleCustomer {
		return false
	}
	return !(s.cfg.PauseAIOnEscalation && conv.Status == domain.StatusEscalated)
}

func replyMessage(conversationID string, r agent.TurnResult) domain.Message {
	m := domain.NewMessage(conversationID, r.AgentID, domain.SenderAgent, r.Message)
	m.IsAIGenerated = true
	m.ConfidenceScore = r.Confidence
	m.ProcessingTimeMs = r.ProcessingTimeMs()
	m.Metadata["confidence"] = r.Confidence
	m.Metadata["processing_time_ms"] = r.ProcessingTimeMs()
	m.Metadata["suggestions"] = r.Suggestions
	m.Metadata["is_ai"] = true
	return m
}

func (s *Service) broadcastMessage(ctx context.Context, conversationID string, msg domain.Message) {
	s.hub.Broadcast(ctx, conversationID, realtime.NewFrame(conversationID, realtime.NewMessagePayload(msg)), nil)
}

// escalate persists the escalation and notifies the conversation and all agents.
func (s *Service) escalate(ctx context.Context, conversationID, reason string) error {
	if err := s.store.UpdateStatus(ctx, conversationID, domain.StatusEscalated, reason); err != nil {
		return fmt.Errorf("escalate conversation: %w", err)
	}
	s.metrics.Escalated()
	s.logger.Info("Conversation escalated", "conversation_id", conversationID, "reason", reason)

	s.hub.Broadcast(ctx, conversationID, realtime.NewFrame(conversationID, realtime.EscalationPayload{
		Reason:  reason,
		Message: EscalationNotice,
	}), nil)
	status := realtime.NewFrame(conversationID, realtime.StatusPayload{Status: domain.StatusEscalated, Reason: reason})
	s.hub.Broadcast(ctx, conversationID, status, nil)
	s.hub.BroadcastAgents(ctx, status)
	return nil
}

// StartRequest describes a new conversation.
type StartRequest struct {
	CustomerID     string
	Channel        domain.Channel
	Priority       domain.Priority
	Subject        string
	Tags           []string
	InitialMessage string
}

// Start creates an active conversation. A non-empty initial message is run
// through the pipeline as the customer's first turn.
func (s *Service) Start(ctx context.Context, req StartRequest) (*domain.Conversation, error) {
	conv := domain.NewConversation(req.CustomerID, req.Channel, req.Priority, req.Subject, req.Tags)
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Info("Conversation started", "conversation_id", conv.ID, "customer_id", conv.CustomerID)

	if req.InitialMessage != "" {
		if _, err := s.HandleInbound(ctx, Inbound{
			ConversationID: conv.ID,
			Sender:         domain.Participant{Role: domain.RoleCustomer, ID: req.CustomerID},
			Content:        req.InitialMessage,
		}); err != nil {
			return nil, err
		}
	}
	return s.store.GetConversation(ctx, conv.ID)
}

// SetStatus changes a conversation's status and notifies participants.
// Resolving or closing delegates to Close.
func (s *Service) SetStatus(ctx context.Context, conversationID string, status domain.ConversationStatus, reason string) (*domain.Conversation, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if status.Terminal() {
		return s.Close(ctx, conversationID, status)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv.Status.Terminal() {
		return nil, ErrConversationClosed
	}

	if status == domain.StatusEscalated {
		if reason == "" {
			reason = "Escalated by request"
		}
		if err := s.escalate(ctx, conversationID, reason); err != nil {
			return nil, err
		}
	} else {
		if err := s.store.UpdateStatus(ctx, conversationID, status, reason); err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}
		s.hub.Broadcast(ctx, conversationID, realtime.NewFrame(conversationID, realtime.StatusPayload{Status: status, Reason: reason}), nil)
	}
	return s.store.GetConversation(ctx, conversationID)
}

// Close resolves or closes a conversation: it releases the agent's session
// and load slot, notifies participants and drops their connections. Closing
// an already-closed conversation is a no-op.
func (s *Service) Close(ctx context.Context, conversationID string, status domain.ConversationStatus) (*domain.Conversation, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: cannot close with %q", ErrInvalidStatus, status)
	}
	ctx = context.WithoutCancel(ctx)

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv.Status.Terminal() {
		return conv, nil
	}

	if err := s.store.UpdateStatus(ctx, conversationID, status, ""); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if conv.HasAgent() {
		s.turns.CloseSession(conv.AssignedAgentID, conv.SessionID)
		if err := s.store.AdjustLoad(ctx, conv.AssignedAgentID, -1); err != nil {
			s.logger.Warn("Failed to release agent load", "agent_id", conv.AssignedAgentID, "error", err)
		}
	}

	s.hub.Broadcast(ctx, conversationID, realtime.NewFrame(conversationID, realtime.StatusPayload{Status: status}), nil)
	s.hub.CloseConversation(conversationID, string(status))
	s.logger.Info("Conversation closed", "conversation_id", conversationID, "status", status)

	return s.store.GetConversation(ctx, conversationID)
}

// ConversationStatus implements realtime.ConversationLookup.
func (s *Service) ConversationStatus(ctx context.Context, conversationID string) (domain.ConversationStatus, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return "", realtime.ErrConversationNotFound
	}
	if err != nil {
		return "", err
	}
	return conv.Status, nil
}

// HandleMessage implements realtime.MessageHandler.
func (s *Service) HandleMessage(ctx context.Context, msg realtime.InboundMessage) error {
	_, err := s.HandleInbound(ctx, Inbound(msg))
	return err
}

var (
	_ realtime.ConversationLookup = (*Service)(nil)
	_ realtime.MessageHandler     = (*Service)(nil)
)
