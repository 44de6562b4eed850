package api

import (
	"net/http"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/go-chi/chi/v5"
)

// AgentHandler handles the agent directory endpoints.
type AgentHandler struct {
	*Handler
}

// NewAgentHandler creates an agent handler.
func NewAgentHandler(base *Handler) *AgentHandler {
	return &AgentHandler{Handler: base}
}

// RegisterRoutes registers agent routes.
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{agentID}", h.Get)
		r.Put("/{agentID}", h.Upsert)
	})
}

// List returns agents, optionally filtered by status.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.AgentStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.AgentActive, domain.AgentInactive, domain.AgentBusy, domain.AgentMaintenance:
	default:
		Error(w, http.StatusBadRequest, "unknown status")
		return
	}

	agents, err := h.repo.ListAgents(r.Context(), status)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	if agents == nil {
		agents = []domain.Agent{}
	}
	JSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// Get returns one agent with its current load.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.repo.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, a)
}

type upsertAgentRequest struct {
	Name                       string             `json:"name" validate:"required,max=100"`
	Description                string             `json:"description" validate:"max=500"`
	Status                     string             `json:"status" validate:"required,oneof=active inactive busy maintenance"`
	Specialization             []string           `json:"specialization" validate:"max=20"`
	Capabilities               []string           `json:"capabilities" validate:"max=50"`
	Configuration              domain.AgentConfig `json:"configuration"`
	MaxConcurrentConversations int                `json:"max_concurrent_conversations" validate:"min=0,max=1000"`
}

// Upsert creates or updates an agent definition. The load counter is kept.
func (h *AgentHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if err := h.validate.Var(id, "required,identifier"); err != nil {
		Error(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	var req upsertAgentRequest
	if err := h.decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	a := &domain.Agent{
		ID:                         id,
		Name:                       req.Name,
		Description:                req.Description,
		Status:                     domain.AgentStatus(req.Status),
		Specialization:             req.Specialization,
		Capabilities:               req.Capabilities,
		Config:                     req.Configuration,
		MaxConcurrentConversations: req.MaxConcurrentConversations,
	}
	if err := h.repo.UpsertAgent(r.Context(), a); err != nil {
		serviceError(w, r, err)
		return
	}

	saved, err := h.repo.GetAgent(r.Context(), id)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, saved)
}
