package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/ashureev/supportdesk/internal/metrics"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const readLimit = 64 << 10

// ErrConversationNotFound is returned by a ConversationLookup for unknown ids.
var ErrConversationNotFound = errors.New("conversation not found")

// InboundMessage is a chat message received on a live connection.
type InboundMessage struct {
	ConversationID  string
	Sender          domain.Participant
	Content         string
	Metadata        map[string]any
	CustomerContext map[string]any
}

// MessageHandler runs the turn pipeline for an inbound message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg InboundMessage) error
}

// ConversationLookup resolves the conversation a connection wants to join.
type ConversationLookup interface {
	ConversationStatus(ctx context.Context, conversationID string) (domain.ConversationStatus, error)
}

// HandlerConfig tunes per-connection behaviour.
type HandlerConfig struct {
	AllowedOrigin string
	IsDev         bool
	SendTimeout   time.Duration
	QueueSize     int
	FrameRate     rate.Limit
	FrameBurst    int
}

// Handler upgrades requests to WebSocket connections and serves the frame protocol.
type Handler struct {
	reg      *Registry
	presence *Presence
	convs    ConversationLookup
	msgs     MessageHandler
	cfg      HandlerConfig
	metrics  *metrics.Metrics
}

// NewHandler creates a WebSocket handler.
func NewHandler(reg *Registry, presence *Presence, convs ConversationLookup, msgs MessageHandler, cfg HandlerConfig, m *metrics.Metrics) *Handler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = rate.Inf
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = 1
	}
	return &Handler{
		reg:      reg,
		presence: presence,
		convs:    convs,
		msgs:     msgs,
		cfg:      cfg,
		metrics:  m,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params, err := identity.FromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	convID := params.ConversationID
	p := params.Participant
	slog.Info("WebSocket connection request",
		"conversation_id", convID, "role", p.Role, "participant_id", p.ID, "ip", identity.IPFromRequest(r))

	status, err := h.convs.ConversationStatus(r.Context(), convID)
	switch {
	case errors.Is(err, ErrConversationNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	case err != nil:
		slog.Error("Failed to load conversation", "conversation_id", convID, "error", err)
		http.Error(w, "failed to load conversation", http.StatusInternalServerError)
		return
	case status.Terminal():
		http.Error(w, "conversation is closed", http.StatusConflict)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "conversation_id", convID)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "participant_id", p.ID)
		}
	}()

	handle, err := h.reg.Connect(r.Context(), convID, p, NewWebSocketChannel(ws, h.cfg.SendTimeout))
	if err != nil {
		slog.Warn("Connection not registered", "conversation_id", convID, "participant_id", p.ID, "error", err)
		return
	}
	defer h.reg.Disconnect(convID, p.ID, handle)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The worker outlives the read loop so queued messages still complete.
	queue := make(chan InboundMessage, h.cfg.QueueSize)
	go h.messageWorker(context.WithoutCancel(ctx), handle, queue)

	h.readLoop(ctx, ws, handle, queue)
	close(queue)
	slog.Info("WebSocket connection ended", "conversation_id", convID, "participant_id", p.ID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, handle *Handle, queue chan<- InboundMessage) {
	convID := handle.ConversationID()
	p := handle.Participant()
	limiter := rate.NewLimiter(h.cfg.FrameRate, h.cfg.FrameBurst)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "participant_id", p.ID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "participant_id", p.ID)
			}
			return
		}

		if !limiter.Allow() {
			h.reply(ctx, handle, ErrorPayload{Message: "rate limit exceeded"})
			continue
		}

		in, err := DecodeInbound(data)
		if err != nil {
			h.metrics.InvalidFrame()
			slog.Warn("Ignoring invalid frame", "conversation_id", convID, "participant_id", p.ID, "error", err)
			continue
		}

		switch m := in.(type) {
		case TypingStart:
			h.presence.SetTyping(ctx, convID, p.ID, true)
		case TypingStop:
			h.presence.SetTyping(ctx, convID, p.ID, false)
		case ChatMessage:
			msg := InboundMessage{
				ConversationID:  convID,
				Sender:          p,
				Content:         m.Content,
				Metadata:        m.Metadata,
				CustomerContext: m.CustomerContext,
			}
			select {
			case queue <- msg:
			default:
				slog.Warn("Inbound queue full", "conversation_id", convID, "participant_id", p.ID)
				h.reply(ctx, handle, ErrorPayload{Message: "too many pending messages"})
			}
		case StatusRequest:
			h.reply(ctx, handle, h.conversationStatus(ctx, convID))
		case Ping:
			h.reply(ctx, handle, PongPayload{})
		}
	}
}

func (h *Handler) messageWorker(ctx context.Context, handle *Handle, queue <-chan InboundMessage) {
	for msg := range queue {
		if err := h.msgs.HandleMessage(ctx, msg); err != nil {
			slog.Error("Failed to handle message",
				"conversation_id", msg.ConversationID, "participant_id", msg.Sender.ID, "error", err)
			h.reply(ctx, handle, ErrorPayload{Message: "failed to process message"})
		}
	}
}

func (h *Handler) conversationStatus(ctx context.Context, convID string) ConversationStatusPayload {
	status, err := h.convs.ConversationStatus(ctx, convID)
	if err != nil {
		slog.Debug("Status lookup failed", "conversation_id", convID, "error", err)
	}
	return ConversationStatusPayload{
		Status:       status,
		Participants: h.reg.Participants(convID),
		TypingAgents: h.presence.Typing(convID),
	}
}

func (h *Handler) reply(ctx context.Context, handle *Handle, p Payload) {
	if err := handle.Send(ctx, NewFrame(handle.ConversationID(), p)); err != nil {
		slog.Debug("Failed to send reply", "type", p.FrameType(), "participant_id", handle.Participant().ID, "error", err)
	}
}
