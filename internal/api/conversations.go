package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ashureev/supportdesk/internal/conversation"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/go-chi/chi/v5"
)

// Conversations is the pipeline the REST handlers drive.
type Conversations interface {
	Start(ctx context.Context, req conversation.StartRequest) (*domain.Conversation, error)
	HandleInbound(ctx context.Context, in conversation.Inbound) (*conversation.Outcome, error)
	SetStatus(ctx context.Context, conversationID string, status domain.ConversationStatus, reason string) (*domain.Conversation, error)
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	*Handler
	svc Conversations
}

// NewConversationHandler creates a conversation handler.
func NewConversationHandler(base *Handler, svc Conversations) *ConversationHandler {
	return &ConversationHandler{Handler: base, svc: svc}
}

// RegisterRoutes registers conversation routes.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/messages", h.PostMessage)
			r.Put("/status", h.UpdateStatus)
		})
	})
}

type createConversationRequest struct {
	CustomerID     string   `json:"customer_id" validate:"required,identifier"`
	Channel        string   `json:"channel" validate:"omitempty,oneof=web_chat email phone sms whatsapp api"`
	Priority       string   `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	Subject        string   `json:"subject" validate:"max=200"`
	Tags           []string `json:"tags" validate:"max=20,dive,min=1,max=50"`
	InitialMessage string   `json:"initial_message" validate:"max=4000"`
}

// Create starts a new conversation.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := h.decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.svc.Start(r.Context(), conversation.StartRequest{
		CustomerID:     req.CustomerID,
		Channel:        domain.Channel(req.Channel),
		Priority:       domain.Priority(req.Priority),
		Subject:        req.Subject,
		Tags:           req.Tags,
		InitialMessage: req.InitialMessage,
	})
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, conv)
}

// List returns a filtered page of conversations.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Status:     domain.ConversationStatus(q.Get("status")),
		AgentID:    q.Get("agent_id"),
		CustomerID: q.Get("customer_id"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		Error(w, http.StatusBadRequest, "unknown status")
		return
	}
	var err error
	if filter.Page, err = queryInt(q.Get("page")); err != nil {
		Error(w, http.StatusBadRequest, "page must be a number")
		return
	}
	if filter.PageSize, err = queryInt(q.Get("page_size")); err != nil {
		Error(w, http.StatusBadRequest, "page_size must be a number")
		return
	}

	page, err := h.repo.ListConversations(r.Context(), filter.Normalize())
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, page)
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// Get returns a conversation with its full history.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, err := h.repo.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

type postMessageRequest struct {
	SenderType      string         `json:"sender_type" validate:"required,oneof=user agent"`
	SenderID        string         `json:"sender_id" validate:"required,identifier"`
	Content         string         `json:"content" validate:"required,max=4000"`
	Metadata        map[string]any `json:"metadata"`
	CustomerContext map[string]any `json:"customer_context"`
}

// PostMessage runs a message through the turn pipeline, the same way a live
// connection does.
func (h *ConversationHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := h.decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	role := domain.RoleCustomer
	if domain.SenderType(req.SenderType) == domain.SenderAgent {
		role = domain.RoleAgent
	}
	out, err := h.svc.HandleInbound(r.Context(), conversation.Inbound{
		ConversationID:  chi.URLParam(r, "conversationID"),
		Sender:          domain.Participant{Role: role, ID: req.SenderID},
		Content:         req.Content,
		Metadata:        req.Metadata,
		CustomerContext: req.CustomerContext,
	})
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, out)
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active pending escalated resolved closed"`
	Reason string `json:"reason" validate:"max=500"`
}

// UpdateStatus changes a conversation's status.
func (h *ConversationHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := h.decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.svc.SetStatus(r.Context(), chi.URLParam(r, "conversationID"),
		domain.ConversationStatus(req.Status), req.Reason)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}
