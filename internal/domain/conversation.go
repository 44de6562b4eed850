// Package domain contains core domain types for the support hub.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

// Conversation statuses.
const (
	StatusActive    ConversationStatus = "active"
	StatusPending   ConversationStatus = "pending"
	StatusEscalated ConversationStatus = "escalated"
	StatusResolved  ConversationStatus = "resolved"
	StatusClosed    ConversationStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusEscalated, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Terminal reports whether the conversation has ended.
func (s ConversationStatus) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// Priority of a conversation.
type Priority string

// Priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Channel is the customer-facing channel a conversation arrived on.
type Channel string

// Channels.
const (
	ChannelWebChat  Channel = "web_chat"
	ChannelEmail    Channel = "email"
	ChannelPhone    Channel = "phone"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelAPI      Channel = "api"
)

// Conversation is a customer-support dialogue thread.
type Conversation struct {
	ID               string             `json:"id"`
	CustomerID       string             `json:"customer_id"`
	AssignedAgentID  string             `json:"assigned_agent_id,omitempty"`
	Status           ConversationStatus `json:"status"`
	Priority         Priority           `json:"priority"`
	Channel          Channel            `json:"channel"`
	Subject          string             `json:"subject,omitempty"`
	Tags             []string           `json:"tags"`
	EscalatedToHuman bool               `json:"escalated_to_human"`
	EscalationReason string             `json:"escalation_reason,omitempty"`
	SessionID        string             `json:"session_id"`
	Messages         []Message          `json:"messages,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// NewConversation builds an active conversation with fresh identifiers.
func NewConversation(customerID string, channel Channel, priority Priority, subject string, tags []string) *Conversation {
	if channel == "" {
		channel = ChannelWebChat
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if tags == nil {
		tags = []string{}
	}
	now := time.Now().UTC()
	return &Conversation{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Status:     StatusActive,
		Priority:   priority,
		Channel:    channel,
		Subject:    subject,
		Tags:       tags,
		SessionID:  uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HasAgent returns true if an agent has been assigned.
func (c *Conversation) HasAgent() bool {
	return c.AssignedAgentID != ""
}

// RecentMessages returns the last n messages in order.
func (c *Conversation) RecentMessages(n int) []Message {
	if n >= len(c.Messages) {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

// DashboardStats aggregates conversation and agent counters.
type DashboardStats struct {
	TotalConversations     int     `json:"total_conversations"`
	ActiveConversations    int     `json:"active_conversations"`
	EscalatedConversations int     `json:"escalated_conversations"`
	ResolvedConversations  int     `json:"resolved_conversations"`
	ActiveAgents           int     `json:"active_agents"`
	AvgResponseTimeMs      float64 `json:"avg_response_time_ms"`
	EscalationRate         float64 `json:"escalation_rate"`
}
