// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/supportdesk/internal/domain"
)

// ErrNotFound is returned when a conversation or agent does not exist.
var ErrNotFound = errors.New("not found")

// Default and maximum page sizes for conversation listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListFilter narrows a conversation listing. Zero values mean "any".
type ListFilter struct {
	Status     domain.ConversationStatus
	AgentID    string
	CustomerID string
	Page       int
	PageSize   int
}

// Normalize clamps paging values to sane bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// ConversationPage is one page of a conversation listing.
type ConversationPage struct {
	Conversations []domain.Conversation `json:"conversations"`
	TotalCount    int                   `json:"total_count"`
	Page          int                   `json:"page"`
	PageSize      int                   `json:"page_size"`
}

// Repository defines the interface for persisting conversations, messages and agents.
// All methods are safe to call concurrently for different ids.
type Repository interface {
	// CreateConversation stores a new conversation.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation returns a conversation with its full message history.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// RecentMessages returns up to limit of the newest messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)

	// ListConversations returns a filtered, paginated listing without messages.
	ListConversations(ctx context.Context, filter ListFilter) (*ConversationPage, error)

	// AppendMessage adds a message to the end of a conversation's history.
	AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error

	// UpdateStatus changes a conversation's status. For escalations, reason is recorded.
	UpdateStatus(ctx context.Context, conversationID string, status domain.ConversationStatus, reason string) error

	// AssignAgent records the agent handling a conversation.
	AssignAgent(ctx context.Context, conversationID, agentID string) error

	// GetAgent retrieves an agent by ID.
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)

	// ListAgents returns agents in directory order. An empty status lists all agents.
	ListAgents(ctx context.Context, status domain.AgentStatus) ([]domain.Agent, error)

	// UpsertAgent creates or updates an agent definition. The load counter is preserved.
	UpsertAgent(ctx context.Context, agent *domain.Agent) error

	// AdjustLoad adds delta to an agent's load counter, never going below zero.
	AdjustLoad(ctx context.Context, agentID string, delta int) error

	// DashboardStats aggregates counters for the dashboard.
	DashboardStats(ctx context.Context) (*domain.DashboardStats, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
