package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentsWithLoads(loads ...int) []domain.Agent {
	out := make([]domain.Agent, len(loads))
	for i, l := range loads {
		out[i] = domain.Agent{
			ID:                         string(rune('a' + i)),
			Status:                     domain.AgentActive,
			CurrentLoad:                l,
			MaxConcurrentConversations: 10,
		}
	}
	return out
}

func TestSelectFrom_LowestLoadFirstInOrder(t *testing.T) {
	got, err := SelectFrom(agentsWithLoads(3, 1, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
}

func TestSelectFrom_SkipsSaturated(t *testing.T) {
	agents := agentsWithLoads(0, 2)
	agents[0].MaxConcurrentConversations = 0

	got, err := SelectFrom(agents)
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
}

func TestSelectFrom_Errors(t *testing.T) {
	_, err := SelectFrom(nil)
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)

	full := agentsWithLoads(10, 10)
	_, err = SelectFrom(full)
	assert.ErrorIs(t, err, ErrAllAgentsSaturated)
	assert.False(t, errors.Is(err, ErrNoAgentsAvailable))
}

type fakeDirectory struct {
	agents []domain.Agent
	err    error
	status domain.AgentStatus
}

func (f *fakeDirectory) ListAgents(_ context.Context, status domain.AgentStatus) ([]domain.Agent, error) {
	f.status = status
	return f.agents, f.err
}

func TestRouter_Select(t *testing.T) {
	dir := &fakeDirectory{agents: agentsWithLoads(4, 2)}
	r := New(dir)

	got, err := r.Select(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
	assert.Equal(t, domain.AgentActive, dir.status)
	assert.Equal(t, 2, dir.agents[1].CurrentLoad, "selection does not mutate load")

	dir.err = errors.New("db down")
	_, err = r.Select(t.Context())
	assert.ErrorContains(t, err, "db down")
}
