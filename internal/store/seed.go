package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// agentSeedFile is the on-disk layout of agents.yaml.
type agentSeedFile struct {
	Agents []domain.Agent `yaml:"agents"`
}

// DefaultAgents returns the built-in agent directory used when no seed file exists.
func DefaultAgents() []domain.Agent {
	base := domain.AgentConfig{
		ModelProvider:   "openai",
		ModelName:       "gpt-4o-mini",
		Temperature:     0.7,
		MaxTokens:       1000,
		ContextWindow:   10,
		ResponseTimeout: domain.DefaultResponseTimeout,
	}

	general := base
	general.SystemPrompt = "You are a friendly general support agent. Answer questions clearly and concisely."
	technical := base
	technical.SystemPrompt = "You are a technical support specialist. Diagnose problems step by step."
	billing := base
	billing.SystemPrompt = "You are a billing support agent. Help with payments, invoices and subscriptions."

	return []domain.Agent{
		{
			ID:                         "general-support",
			Name:                       "General Support Agent",
			Description:                "Handles general customer inquiries and support requests",
			Status:                     domain.AgentActive,
			Specialization:             []string{"general_inquiry"},
			Capabilities:               []string{"FAQ", "Basic Troubleshooting", "Information Retrieval"},
			Config:                     general,
			MaxConcurrentConversations: domain.DefaultMaxConcurrent,
		},
		{
			ID:                         "technical-support",
			Name:                       "Technical Support Agent",
			Description:                "Specialized in technical issues and advanced troubleshooting",
			Status:                     domain.AgentActive,
			Specialization:             []string{"technical_support"},
			Capabilities:               []string{"Technical Diagnostics", "Advanced Troubleshooting", "System Integration"},
			Config:                     technical,
			MaxConcurrentConversations: domain.DefaultMaxConcurrent,
		},
		{
			ID:                         "billing-support",
			Name:                       "Billing Support Agent",
			Description:                "Handles billing inquiries, payments, and subscription management",
			Status:                     domain.AgentActive,
			Specialization:             []string{"billing_inquiry"},
			Capabilities:               []string{"Payment Processing", "Subscription Management", "Invoice Queries"},
			Config:                     billing,
			MaxConcurrentConversations: domain.DefaultMaxConcurrent,
		},
	}
}

// LoadAgentSeed reads agent definitions from a YAML file.
// A missing file yields DefaultAgents.
func LoadAgentSeed(fsys afero.Fs, path string) ([]domain.Agent, error) {
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("Agent seed file not found, using defaults", "path", path)
		return DefaultAgents(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent seed: %w", err)
	}

	var seed agentSeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse agent seed %s: %w", path, err)
	}

	for i := range seed.Agents {
		a := &seed.Agents[i]
		if a.ID == "" || a.Name == "" {
			return nil, fmt.Errorf("agent seed %s: entry %d needs id and name", path, i)
		}
		if a.Status == "" {
			a.Status = domain.AgentActive
		}
		if a.MaxConcurrentConversations <= 0 {
			a.MaxConcurrentConversations = domain.DefaultMaxConcurrent
		}
		if a.Config.ResponseTimeout <= 0 {
			a.Config.ResponseTimeout = domain.DefaultResponseTimeout
		}
	}
	return seed.Agents, nil
}

// SeedAgents upserts the given agents, keeping existing load counters.
func SeedAgents(ctx context.Context, repo Repository, agents []domain.Agent) error {
	for i := range agents {
		if err := repo.UpsertAgent(ctx, &agents[i]); err != nil {
			return fmt.Errorf("seed agent %s: %w", agents[i].ID, err)
		}
	}
	return nil
}
