package domain

import "time"

// AgentStatus is the availability of an agent.
type AgentStatus string

// Agent statuses.
const (
	AgentActive      AgentStatus = "active"
	AgentInactive    AgentStatus = "inactive"
	AgentBusy        AgentStatus = "busy"
	AgentMaintenance AgentStatus = "maintenance"
)

// DefaultMaxConcurrent is the capacity given to agents that do not set one.
const DefaultMaxConcurrent = 10

// DefaultResponseTimeout bounds a single generation call for an agent.
const DefaultResponseTimeout = 30 * time.Second

// AgentConfig holds generation settings for an agent.
type AgentConfig struct {
	ModelProvider   string        `json:"model_provider" yaml:"model_provider"`
	ModelName       string        `json:"model_name" yaml:"model_name"`
	Temperature     float64       `json:"temperature" yaml:"temperature"`
	MaxTokens       int           `json:"max_tokens" yaml:"max_tokens"`
	SystemPrompt    string        `json:"system_prompt" yaml:"system_prompt"`
	ContextWindow   int           `json:"context_window" yaml:"context_window"`
	ResponseTimeout time.Duration `json:"response_timeout" yaml:"response_timeout"`
}

// Agent is a support agent that conversations can be routed to.
type Agent struct {
	ID                         string      `json:"id" yaml:"id"`
	Name                       string      `json:"name" yaml:"name"`
	Description                string      `json:"description" yaml:"description"`
	Status                     AgentStatus `json:"status" yaml:"status"`
	Specialization             []string    `json:"specialization" yaml:"specialization"`
	Capabilities               []string    `json:"capabilities" yaml:"capabilities"`
	Config                     AgentConfig `json:"configuration" yaml:"configuration"`
	MaxConcurrentConversations int         `json:"max_concurrent_conversations" yaml:"max_concurrent_conversations"`
	CurrentLoad                int         `json:"current_load" yaml:"-"`
	CreatedAt                  time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt                  time.Time   `json:"updated_at" yaml:"-"`
}

// HasCapacity reports whether the agent can take another conversation.
func (a Agent) HasCapacity() bool {
	return a.CurrentLoad < a.MaxConcurrentConversations
}

// ResponseTimeout returns the agent's generation timeout, or fallback if unset.
func (a Agent) ResponseTimeout(fallback time.Duration) time.Duration {
	if a.Config.ResponseTimeout > 0 {
		return a.Config.ResponseTimeout
	}
	return fallback
}
