// Package routing selects which agent handles a new conversation.
package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/supportdesk/internal/domain"
)

var (
	// ErrNoAgentsAvailable means the directory returned no active agents.
	ErrNoAgentsAvailable = errors.New("no agents available")
	// ErrAllAgentsSaturated means every active agent is at capacity.
	ErrAllAgentsSaturated = errors.New("all agents at capacity")
)

// Directory lists agents in a stable order.
type Directory interface {
	ListAgents(ctx context.Context, status domain.AgentStatus) ([]domain.Agent, error)
}

// Router picks the least-loaded active agent.
type Router struct {
	dir Directory
}

// New creates a router over dir.
func New(dir Directory) *Router {
	return &Router{dir: dir}
}

// Select loads the active agents and picks one. It never changes agent load.
func (r *Router) Select(ctx context.Context) (domain.Agent, error) {
	agents, err := r.dir.ListAgents(ctx, domain.AgentActive)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("list active agents: %w", err)
	}
	return SelectFrom(agents)
}

// SelectFrom returns the agent with the lowest current load among those with
// spare capacity. Ties go to the earliest agent in the slice.
func SelectFrom(agents []domain.Agent) (domain.Agent, error) {
	if len(agents) == 0 {
		return domain.Agent{}, ErrNoAgentsAvailable
	}

	best := -1
	for i, a := range agents {
		if !a.HasCapacity() {
			continue
		}
		if best < 0 || a.CurrentLoad < agents[best].CurrentLoad {
			best = i
		}
	}
	if best < 0 {
		return domain.Agent{}, ErrAllAgentsSaturated
	}
	return agents[best], nil
}
