package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
)

// maxSessionHistory bounds the exchanges kept in a session context.
const maxSessionHistory = 20

// SessionState is the lifecycle state of a session.
type SessionState string

// Session states.
const (
	SessionActive SessionState = "active"
	SessionClosed SessionState = "closed"
)

// Exchange is one prompt and the reply generated for it.
type Exchange struct {
	Prompt string    `json:"prompt"`
	Reply  string    `json:"reply"`
	At     time.Time `json:"at"`
}

// SessionContext is the generation state carried across turns of one
// (agent, conversation session) pair.
type SessionContext struct {
	AgentID       string
	SessionID     string
	SystemPrompt  string
	ModelProvider string
	ModelName     string
	Temperature   float64
	MaxTokens     int
	History       []Exchange
}

func newSessionContext(a domain.Agent, sessionID string) SessionContext {
	return SessionContext{
		AgentID:       a.ID,
		SessionID:     sessionID,
		SystemPrompt:  a.Config.SystemPrompt,
		ModelProvider: a.Config.ModelProvider,
		ModelName:     a.Config.ModelName,
		Temperature:   a.Config.Temperature,
		MaxTokens:     a.Config.MaxTokens,
	}
}

type sessionKey struct {
	agentID   string
	sessionID string
}

// session serializes turns for one key. mu guards state and sc.
type session struct {
	mu         sync.Mutex
	key        sessionKey
	state      SessionState
	sc         SessionContext
	createdAt  time.Time
	lastActive atomic.Int64
}

func newSession(a domain.Agent, sessionID string) *session {
	s := &session{
		key:       sessionKey{a.ID, sessionID},
		state:     SessionActive,
		sc:        newSessionContext(a, sessionID),
		createdAt: time.Now(),
	}
	s.touch()
	return s
}

func (s *session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *session) idleSince() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// context returns a copy safe to hand to a generator. Caller holds mu.
func (s *session) context() SessionContext {
	sc := s.sc
	sc.History = append([]Exchange(nil), s.sc.History...)
	return sc
}

// record appends an exchange. Caller holds mu.
func (s *session) record(prompt, reply string) {
	s.sc.History = append(s.sc.History, Exchange{Prompt: prompt, Reply: reply, At: time.Now().UTC()})
	if over := len(s.sc.History) - maxSessionHistory; over > 0 {
		s.sc.History = append([]Exchange(nil), s.sc.History[over:]...)
	}
}

// SessionSnapshot is a read-only view of a session.
type SessionSnapshot struct {
	AgentID    string       `json:"agent_id"`
	SessionID  string       `json:"session_id"`
	State      SessionState `json:"state"`
	Turns      int          `json:"turns"`
	CreatedAt  time.Time    `json:"created_at"`
	LastActive time.Time    `json:"last_active"`
}

func (s *session) snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		AgentID:    s.key.agentID,
		SessionID:  s.key.sessionID,
		State:      s.state,
		Turns:      len(s.sc.History),
		CreatedAt:  s.createdAt,
		LastActive: s.idleSince(),
	}
}
