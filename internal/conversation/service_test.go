package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ashureev/supportdesk/internal/agent"
	"github.com/ashureev/supportdesk/internal/classify"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/realtime"
	"github.com/ashureev/supportdesk/internal/routing"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type generatorFunc func(ctx context.Context, sc agent.SessionContext, prompt string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, sc agent.SessionContext, prompt string) (string, error) {
	return f(ctx, sc, prompt)
}

// storeChannel records frames and, for every new_message frame, checks the
// message was already persisted when the frame went out.
type storeChannel struct {
	t     *testing.T
	st    store.Repository
	mu    sync.Mutex
	seen  []realtime.Frame
	close string
}

func (c *storeChannel) Send(ctx context.Context, b []byte) error {
	var f realtime.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	if mp, ok := f.Payload.(realtime.MessagePayload); ok {
		conv, err := c.st.GetConversation(ctx, f.ConversationID)
		if assert.NoError(c.t, err) {
			assert.True(c.t, hasMessage(conv.Messages, mp.MessageID), "message %s broadcast before it was stored", mp.MessageID)
		}
	}
	c.mu.Lock()
	c.seen = append(c.seen, f)
	c.mu.Unlock()
	return nil
}

func (c *storeChannel) Close(reason string) error {
	c.mu.Lock()
	c.close = reason
	c.mu.Unlock()
	return nil
}

func (c *storeChannel) types() []realtime.FrameType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.FrameType, 0, len(c.seen))
	for _, f := range c.seen {
		out = append(out, f.Type())
	}
	return out
}

func (c *storeChannel) frames() []realtime.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Frame(nil), c.seen...)
}

func (c *storeChannel) closedWith() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.close
}

func hasMessage(msgs []domain.Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

type fixture struct {
	st    *store.SQLiteStore
	reg   *realtime.Registry
	coord *agent.Coordinator
	svc   *Service
	calls atomic.Int32
}

func newFixture(t *testing.T, gen agent.Generator, cfg Config, agents ...domain.Agent) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	for i := range agents {
		require.NoError(t, st.UpsertAgent(t.Context(), &agents[i]))
	}

	fx := &fixture{st: st, reg: realtime.NewRegistry(nil)}
	counting := generatorFunc(func(ctx context.Context, sc agent.SessionContext, prompt string) (string, error) {
		fx.calls.Add(1)
		return gen.Generate(ctx, sc, prompt)
	})
	fx.coord = agent.NewCoordinator(st, routing.New(st), counting, fx.reg, agent.Config{}, nil, nil)
	fx.svc = NewService(st, fx.coord, fx.reg, classify.NewKeyword(), cfg, nil, nil)
	return fx
}

func (fx *fixture) start(t *testing.T) *domain.Conversation {
	t.Helper()
	conv, err := fx.svc.Start(t.Context(), StartRequest{CustomerID: "cust-1", Subject: "help"})
	require.NoError(t, err)
	return conv
}

func (fx *fixture) watch(t *testing.T, convID string, p domain.Participant) *storeChannel {
	t.Helper()
	ch := &storeChannel{t: t, st: fx.st}
	_, err := fx.reg.Connect(t.Context(), convID, p, ch)
	require.NoError(t, err)
	return ch
}

func supportAgent(id string, max int) domain.Agent {
	return domain.Agent{
		ID:                         id,
		Name:                       "Agent " + id,
		Status:                     domain.AgentActive,
		MaxConcurrentConversations: max,
		Config:                     domain.AgentConfig{SystemPrompt: "be helpful"},
	}
}

var customer = domain.Participant{Role: domain.RoleCustomer, ID: "cust-1"}

func echo(reply string) agent.Generator {
	return generatorFunc(func(context.Context, agent.SessionContext, string) (string, error) {
		return reply, nil
	})
}

func TestHandleInbound_CustomerTurn(t *testing.T) {
	fx := newFixture(t, echo("Happy to help."), Config{}, supportAgent("a1", 5))
	conv := fx.start(t)
	ch := fx.watch(t, conv.ID, customer)

	out, err := fx.svc.HandleInbound(t.Context(), Inbound{ConversationID: conv.ID, Sender: customer, Content: "  This is great, thank you  "})
	require.NoError(t, err)
	require.NotNil(t, out.Reply)
	assert.False(t, out.Escalated)
	assert.Equal(t, "This is great, thank you", out.Inbound.Content)
	assert.Equal(t, classify.Positive, out.Inbound.Sentiment)
	assert.Greater(t, out.Inbound.ConfidenceScore, 0.0)

	stored, err := fx.st.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.Messages)
	assert.Equal(t, out.Inbound.ConfidenceScore, stored.Messages[0].ConfidenceScore)
	assert.InDelta(t, 0.7, stored.Messages[0].Metadata["sentiment_score"], 1e-9)

	assert.Equal(t, []realtime.FrameType{
		realtime.FrameConnectionConfirmed,
		realtime.FrameAgentAssigned,
		realtime.FrameNewMessage,
		realtime.FrameNewMessage,
	}, ch.types())

	frames := ch.frames()
	assert.Equal(t, domain.SenderUser, frames[2].Payload.(realtime.MessagePayload).SenderType)
	reply := frames[3].Payload.(realtime.MessagePayload)
	assert.Equal(t, "Happy to help.", reply.Content)
	assert.True(t, reply.IsAIGenerated)
	assert.Equal(t, true, reply.Metadata["is_ai"])

	stored, err = fx.st.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "a1", stored.Messages[1].SenderID)
	assert.InDelta(t, 0.85, stored.Messages[1].ConfidenceScore, 1e-9)
	assert.Equal(t, "a1", stored.AssignedAgentID)
}

func TestHandleInbound_EscalationNotifiesAgents(t *testing.T) {
	fx := newFixture(t, echo("Let me look into that."), Config{}, supportAgent("a1", 5))
	conv := fx.start(t)
	ch := fx.watch(t, conv.ID, customer)
	dashboard := fx.watch(t, "dashboard", domain.Participant{Role: domain.RoleAgent, ID: "human-1"})

	out, err := fx.svc.HandleInbound(t.Context(), Inbound{ConversationID: conv.ID, Sender: customer, Content: "I want a refund"})
	require.NoError(t, err)
	assert.True(t, out.Escalated)

	assert.Equal(t, []realtime.FrameType{
		realtime.FrameConnectionConfirmed,
		realtime.FrameAgentAssigned,
		realtime.FrameNewMessage,
		realtime.FrameNewMessage,
		realtime.FrameEscalation,
		realtime.FrameStatusUpdate,
	}, ch.types())
	esc := ch.frames()[4].Payload.(realtime.EscalationPayload)
	assert.Equal(t, agent.ReasonComplexIssue, esc.Reason)
	assert.Equal(t, EscalationNotice, esc.Message)

	assert.Equal(t, []realtime.FrameType{realtime.FrameConnectionConfirmed, realtime.FrameStatusUpdate}, dashboard.types())

	stored, err := fx.st.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEscalated, stored.Status)
	assert.True(t, stored.EscalatedToHuman)
	assert.Equal(t, agent.ReasonComplexIssue, stored.EscalationReason)
}

func TestHandleInbound_DegradedReplies(t *testing.T) {
	tests := []struct {
		name   string
		gen    agent.Generator
		agents []domain.Agent
		busy   bool
		reason string
	}{
		{
			name: "generator failure",
			gen: generatorFunc(func(context.Context, agent.SessionContext, string) (string, error) {
				return "", errors.New("backend down")
			}),
			agents: []domain.Agent{supportAgent("a1", 5)},
			reason: agent.ReasonTechnicalError,
		},
		{
			name:   "no agents",
			gen:    echo("unused"),
			reason: agent.ReasonNoAgents,
		},
		{
			name:   "all agents saturated",
			gen:    echo("unused"),
			agents: []domain.Agent{supportAgent("a1", 1)},
			busy:   true,
			reason: agent.ReasonAgentsBusy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, tt.gen, Config{}, tt.agents...)
			if tt.busy {
				require.NoError(t, fx.st.AdjustLoad(t.Context(), "a1", 1))
			}
			conv := fx.start(t)

			out, err := fx.svc.HandleInbound(t.Context(), Inbound{ConversationID: conv.ID, Sender: customer, Content: "hello?"})
			require.NoError(t, err)
			require.NotNil(t, out.Reply)
			assert.Equal(t, agent.DegradedMessage, out.Reply.Content)
			assert.Equal(t, agent.SystemAgentID, out.Reply.SenderID)
			assert.True(t, out.Escalated)

			stored, err := fx.st.GetConversation(t.Context(), conv.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusEscalated, stored.Status)
			assert.Equal(t, tt.reason, stored.EscalationReason)
			assert.Len(t, stored.Messages, 2)
		})
	}
}

func TestHandleInbound_AgentMessageSkipsGeneration(t *testing.T) {
	fx := newFixture(t, echo("should not run"), Config{}, supportAgent("a1", 5))
	conv := fx.start(t)
	ch := fx.watch(t, conv.ID, customer)

	human := domain.Participant{Role: domain.RoleAgent, ID: "human-1"}
	out, err := fx.svc.HandleInbound(t.Context(), Inbound{ConversationID: conv.ID, Sender: human, Content: "Hi, I'm taking over."})
	require.NoError(t, err)
	assert.Nil(t, out.Reply)
	assert.Equal(t, domain.SenderAgent, out.Inbound.SenderType)
	assert.Empty(t, out.Inbound.Sentiment)
	assert.Zero(t, fx.calls.Load())
	assert.Equal(t, []realtime.FrameType{realtime.FrameConnectionConfirmed, realtime.FrameNewMessage}, ch.types())
}

func TestHandleInbound_PauseAIOnEscalation(t *testing.T) {
	fx := newFixture(t, echo("ok"), Config{PauseAIOnEscalation: true}, supportAgent("a1", 5))
	conv := fx.start(t)
	_, err := fx.svc.SetStatus(t.Context(), conv.ID, domain.StatusEscalated, "customer asked")
	require.NoError(t, err)

	out, err := fx.svc.HandleInbound(t.Context(), Inbound{ConversationID: conv.ID, Sender: customer, Content: "still there?"})
	require.NoError(t, err)
	assert.Nil(t, out.Reply)
	assert.Zero(t, fx.calls.Load())
}

func TestHandleInbound_Rejections(t *testing.T) {
	fx := newFixture(t, echo("ok"), Config{}, supportAgent("a1", 5))
	conv := fx.start(t)

	_, err := fx.svc.HandleInbound(t.Context(), Inbound{ConversationID: conv.ID, Sender: customer, Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = fx.svc.HandleInbound(t.Context(), Inbound{ConversationID: "missing", Sender: customer, Content: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = fx.svc.Close(t.Context(), conv.ID, domain.StatusResolved)
	require.NoError(t, err)
	_, err = fx.svc.HandleInbound(t.Context(), Inbound{ConversationID: conv.ID, Sender: customer, Content: "hi"})
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestClose_ReleasesAgentAndConnections(t *testing.T) {
	fx := newFixture(t, echo("ok"), Config{}, supportAgent("a1", 5))
	conv := fx.start(t)
	ch := fx.watch(t, conv.ID, customer)

	_, err := fx.svc.HandleInbound(t.Context(), Inbound{ConversationID: conv.ID, Sender: customer, Content: "hi"})
	require.NoError(t, err)
	a, err := fx.st.GetAgent(t.Context(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.CurrentLoad)
	assert.Equal(t, 1, fx.coord.SessionCount())

	closed, err := fx.svc.Close(t.Context(), conv.ID, domain.StatusResolved)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, closed.Status)

	a, err = fx.st.GetAgent(t.Context(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.CurrentLoad)
	assert.Zero(t, fx.coord.SessionCount())
	assert.Zero(t, fx.reg.CountMembers(conv.ID))
	assert.Equal(t, string(domain.StatusResolved), ch.closedWith())
	types := ch.types()
	assert.Equal(t, realtime.FrameStatusUpdate, types[len(types)-1])

	// Second close changes nothing.
	_, err = fx.svc.Close(t.Context(), conv.ID, domain.StatusClosed)
	require.NoError(t, err)
	a, err = fx.st.GetAgent(t.Context(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.CurrentLoad)

	_, err = fx.svc.Close(t.Context(), conv.ID, domain.StatusActive)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestHandleInbound_SerializedPerConversation(t *testing.T) {
	fx := newFixture(t, echo("noted"), Config{}, supportAgent("a1", 5))
	conv := fx.start(t)

	const n = 6
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.svc.HandleInbound(context.Background(), Inbound{
				ConversationID: conv.ID,
				Sender:         customer,
				Content:        fmt.Sprintf("question %d", i),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := fx.st.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2*n)
	for i := 0; i < len(stored.Messages); i += 2 {
		assert.Equal(t, domain.SenderUser, stored.Messages[i].SenderType)
		assert.Equal(t, domain.SenderAgent, stored.Messages[i+1].SenderType)
	}

	a, err := fx.st.GetAgent(t.Context(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.CurrentLoad, "the agent is assigned once")
}

func TestStart_WithInitialMessage(t *testing.T) {
	fx := newFixture(t, echo("Welcome!"), Config{}, supportAgent("a1", 5))
	conv, err := fx.svc.Start(t.Context(), StartRequest{CustomerID: "cust-9", InitialMessage: "hello"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, conv.Status)
	assert.Equal(t, "a1", conv.AssignedAgentID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "cust-9", conv.Messages[0].SenderID)
}

func TestConversationStatusLookup(t *testing.T) {
	fx := newFixture(t, echo("ok"), Config{})
	conv := fx.start(t)

	status, err := fx.svc.ConversationStatus(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, status)

	_, err = fx.svc.ConversationStatus(t.Context(), "missing")
	assert.ErrorIs(t, err, realtime.ErrConversationNotFound)
}
