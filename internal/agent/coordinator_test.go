package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/realtime"
	"github.com/ashureev/supportdesk/internal/routing"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store; reads return copies.
type fakeStore struct {
	mu       sync.Mutex
	convs    map[string]domain.Conversation
	messages map[string][]domain.Message
	agents   []domain.Agent
}

func newFakeStore(agents ...domain.Agent) *fakeStore {
	return &fakeStore{
		convs:    make(map[string]domain.Conversation),
		messages: make(map[string][]domain.Message),
		agents:   agents,
	}
}

func (f *fakeStore) addConversation(conv *domain.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[conv.ID] = *conv
}

func (f *fakeStore) addMessage(msg domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], msg)
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.Messages = append([]domain.Message(nil), f.messages[id]...)
	return &c, nil
}

func (f *fakeStore) RecentMessages(_ context.Context, id string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[id]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.Message(nil), msgs...), nil
}

func (f *fakeStore) AssignAgent(_ context.Context, convID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[convID]
	if !ok {
		return store.ErrNotFound
	}
	c.AssignedAgentID = agentID
	f.convs[convID] = c
	return nil
}

func (f *fakeStore) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListAgents(_ context.Context, status domain.AgentStatus) ([]domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Agent
	for _, a := range f.agents {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) AdjustLoad(_ context.Context, id string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.agents {
		if f.agents[i].ID == id {
			f.agents[i].CurrentLoad = max(f.agents[i].CurrentLoad+delta, 0)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) load(id string) int {
	a, _ := f.GetAgent(context.Background(), id)
	return a.CurrentLoad
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	frames []realtime.Frame
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, _ string, f realtime.Frame, _ *realtime.Handle) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
	return 1
}

func (b *recordingBroadcaster) sent() []realtime.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]realtime.Frame(nil), b.frames...)
}

// generatorFunc adapts a function to Generator.
type generatorFunc func(ctx context.Context, sc SessionContext, prompt string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, sc SessionContext, prompt string) (string, error) {
	return f(ctx, sc, prompt)
}

func testAgent(id string, load int) domain.Agent {
	return domain.Agent{
		ID:                         id,
		Name:                       "Agent " + id,
		Status:                     domain.AgentActive,
		CurrentLoad:                load,
		MaxConcurrentConversations: 10,
		Config:                     domain.AgentConfig{SystemPrompt: "be kind", ModelName: "m1"},
	}
}

type coordFixture struct {
	store *fakeStore
	bcast *recordingBroadcaster
	coord *Coordinator
	conv  *domain.Conversation
}

func newCoordFixture(t *testing.T, gen Generator, agents ...domain.Agent) *coordFixture {
	t.Helper()
	st := newFakeStore(agents...)
	conv := domain.NewConversation("cust-1", "", "", "", nil)
	st.addConversation(conv)
	bcast := &recordingBroadcaster{}
	coord := NewCoordinator(st, routing.New(st), gen, bcast, Config{DefaultTimeout: time.Second}, nil, nil)
	return &coordFixture{store: st, bcast: bcast, coord: coord, conv: conv}
}

func echo(reply string) Generator {
	return generatorFunc(func(context.Context, SessionContext, string) (string, error) {
		return reply, nil
	})
}

func TestProcessTurn_AssignsLeastLoadedAgent(t *testing.T) {
	f := newCoordFixture(t, echo("Happy to help."),
		testAgent("a", 3), testAgent("b", 1), testAgent("c", 1), testAgent("d", 5))

	res, err := f.coord.ProcessTurn(t.Context(), TurnRequest{ConversationID: f.conv.ID, Message: "thanks, that helped"})
	require.NoError(t, err)

	assert.Equal(t, "b", res.AgentID)
	assert.Equal(t, "Happy to help.", res.Message)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
	assert.False(t, res.RequiresEscalation)
	assert.Equal(t, []string{
		"Is there anything else I can help you with?",
		"Would you like me to provide additional information?",
	}, res.Suggestions)

	assert.Equal(t, 2, f.store.load("b"))
	conv, _ := f.store.GetConversation(t.Context(), f.conv.ID)
	assert.Equal(t, "b", conv.AssignedAgentID)

	frames := f.bcast.sent()
	require.Len(t, frames, 1)
	assigned, ok := frames[0].Payload.(realtime.AgentAssignedPayload)
	require.True(t, ok)
	assert.Equal(t, "Agent b has joined the conversation", assigned.Message)

	// A second turn reuses the assignment without touching load again.
	_, err = f.coord.ProcessTurn(t.Context(), TurnRequest{ConversationID: f.conv.ID, Message: "one more thing"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.load("b"))
	assert.Len(t, f.bcast.sent(), 1)
}

func TestProcessTurn_KeywordEscalation(t *testing.T) {
	f := newCoordFixture(t, echo("Let me look into that."), testAgent("a", 0))

	res, err := f.coord.ProcessTurn(t.Context(), TurnRequest{ConversationID: f.conv.ID, Message: "I want a REFUND now"})
	require.NoError(t, err)
	assert.True(t, res.RequiresEscalation)
	assert.Equal(t, ReasonComplexIssue, res.EscalationReason)
	assert.Equal(t, "a", res.AgentID)
}

func TestProcessTurn_GeneratorFailureDegrades(t *testing.T) {
	failing := generatorFunc(func(context.Context, SessionContext, string) (string, error) {
		return "", errors.New("backend exploded")
	})
	f := newCoordFixture(t, failing, testAgent("a", 0))

	res, err := f.coord.ProcessTurn(t.Context(), TurnRequest{ConversationID: f.conv.ID, Message: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, DegradedMessage, res.Message)
	assert.Equal(t, SystemAgentID, res.AgentID)
	assert.InDelta(t, 0.1, res.Confidence, 1e-9)
	assert.True(t, res.RequiresEscalation)
	assert.Equal(t, ReasonTechnicalError, res.EscalationReason)
}

func TestProcessTurn_TimeoutDegradesEvenIfGeneratorIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := generatorFunc(func(context.Context, SessionContext, string) (string, error) {
		<-release
		return "too late", nil
	})
	a := testAgent("a", 0)
	a.Config.ResponseTimeout = 50 * time.Millisecond
	f := newCoordFixture(t, stuck, a)

	start := time.Now()
	res, err := f.coord.ProcessTurn(t.Context(), TurnRequest{ConversationID: f.conv.ID, Message: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "agent timeout overrides the default")
}

func TestProcessTurn_EmptyReplyDegrades(t *testing.T) {
	f := newCoordFixture(t, echo(""), testAgent("a", 0))

	res, err := f.coord.ProcessTurn(t.Context(), TurnRequest{ConversationID: f.conv.ID, Message: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
}

func TestProcessTurn_RoutingErrors(t *testing.T) {
	f := newCoordFixture(t, echo("hi"))
	_, err := f.coord.ProcessTurn(t.Context(), TurnRequest{ConversationID: f.conv.ID, Message: "hello"})
	require.ErrorIs(t, err, ErrNoAgentAvailable)
	assert.ErrorIs(t, err, routing.ErrNoAgentsAvailable)
	assert.Equal(t, ReasonNoAgents, FailureReason(err))

	full := testAgent("a", 10)
	f = newCoordFixture(t, echo("hi"), full)
	_, err = f.coord.ProcessTurn(t.Context(), TurnRequest{ConversationID: f.conv.ID, Message: "hello"})
	require.ErrorIs(t, err, ErrNoAgentAvailable)
	assert.ErrorIs(t, err, routing.ErrAllAgentsSaturated)
	assert.Equal(t, ReasonAgentsBusy, FailureReason(err))

	_, err = f.coord.ProcessTurn(t.Context(), TurnRequest{ConversationID: "missing", Message: "hello"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessTurn_PromptExcludesCurrentMessage(t *testing.T) {
	var gotPrompt string
	var gotContext SessionContext
	gen := generatorFunc(func(_ context.Context, sc SessionContext, prompt string) (string, error) {
		gotPrompt, gotContext = prompt, sc
		return "ok", nil
	})
	f := newCoordFixture(t, gen, testAgent("a", 0))

	f.store.addMessage(domain.NewMessage(f.conv.ID, "cust-1", domain.SenderUser, "my router is down"))
	f.store.addMessage(domain.NewMessage(f.conv.ID, "a", domain.SenderAgent, "Have you restarted it?"))
	f.store.addMessage(domain.NewMessage(f.conv.ID, "sys", domain.SenderSystem, "agent joined"))
	current := domain.NewMessage(f.conv.ID, "cust-1", domain.SenderUser, "yes, still down")
	f.store.addMessage(current)

	_, err := f.coord.ProcessTurn(t.Context(), TurnRequest{
		ConversationID:  f.conv.ID,
		MessageID:       current.ID,
		Message:         current.Content,
		CustomerContext: map[string]any{"plan": "pro"},
	})
	require.NoError(t, err)

	want := "Customer Context: {\n  \"plan\": \"pro\"\n}\n\n" +
		"Conversation History:\nCustomer: my router is down\nAgent: Have you restarted it?\n\n" +
		"Customer Message: yes, still down"
	assert.Equal(t, want, gotPrompt)
	assert.Equal(t, "be kind", gotContext.SystemPrompt)
	assert.Equal(t, f.conv.SessionID, gotContext.SessionID)
}

func TestProcessTurn_PromptRendersTenPriorMessages(t *testing.T) {
	var gotPrompt string
	gen := generatorFunc(func(_ context.Context, _ SessionContext, prompt string) (string, error) {
		gotPrompt = prompt
		return "ok", nil
	})
	f := newCoordFixture(t, gen, testAgent("a", 0))

	for i := 1; i <= 12; i++ {
		f.store.addMessage(domain.NewMessage(f.conv.ID, "cust-1", domain.SenderUser, fmt.Sprintf("earlier-%02d", i)))
	}
	current := domain.NewMessage(f.conv.ID, "cust-1", domain.SenderUser, "latest")
	f.store.addMessage(current)

	_, err := f.coord.ProcessTurn(t.Context(), TurnRequest{
		ConversationID: f.conv.ID,
		MessageID:      current.ID,
		Message:        current.Content,
	})
	require.NoError(t, err)

	assert.Equal(t, 10, strings.Count(gotPrompt, "Customer: earlier-"))
	assert.NotContains(t, gotPrompt, "earlier-02")
	assert.Contains(t, gotPrompt, "Customer: earlier-03")
	assert.Contains(t, gotPrompt, "Customer: earlier-12")
	assert.NotContains(t, gotPrompt, "Customer: latest")
}

func TestCoordinator_SessionLifecycle(t *testing.T) {
	var seen []int
	gen := generatorFunc(func(_ context.Context, sc SessionContext, _ string) (string, error) {
		seen = append(seen, len(sc.History))
		return "ok", nil
	})
	f := newCoordFixture(t, gen, testAgent("a", 0))
	req := TurnRequest{ConversationID: f.conv.ID, Message: "hello"}

	for i := 0; i < 2; i++ {
		_, err := f.coord.ProcessTurn(t.Context(), req)
		require.NoError(t, err)
	}
	snap, ok := f.coord.Session("a", f.conv.SessionID)
	require.True(t, ok)
	assert.Equal(t, SessionActive, snap.State)
	assert.Equal(t, 2, snap.Turns)

	assert.True(t, f.coord.CloseSession("a", f.conv.SessionID))
	assert.False(t, f.coord.CloseSession("a", f.conv.SessionID))
	_, ok = f.coord.Session("a", f.conv.SessionID)
	assert.False(t, ok)

	_, err := f.coord.ProcessTurn(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0}, seen, "a recreated session starts with empty context")
}

func TestCoordinator_SweepIdle(t *testing.T) {
	f := newCoordFixture(t, echo("ok"), testAgent("a", 0))
	_, err := f.coord.ProcessTurn(t.Context(), TurnRequest{ConversationID: f.conv.ID, Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, 0, f.coord.SweepIdle(time.Hour))
	assert.Equal(t, 1, f.coord.SessionCount())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, f.coord.SweepIdle(time.Millisecond))
	assert.Equal(t, 0, f.coord.SessionCount())
}

func TestStartIdleSweeper_StopsWithContext(t *testing.T) {
	f := newCoordFixture(t, echo("ok"), testAgent("a", 0))
	_, err := f.coord.ProcessTurn(t.Context(), TurnRequest{ConversationID: f.conv.ID, Message: "hello"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	StartIdleSweeper(ctx, f.coord, 10*time.Millisecond, time.Millisecond)

	assert.Eventually(t, func() bool { return f.coord.SessionCount() == 0 }, time.Second, 10*time.Millisecond)
}
