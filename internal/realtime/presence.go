package realtime

import (
	"context"
	"slices"
	"sync"
)

// Presence tracks who is typing in each conversation and broadcasts the full
// typing set on every change.
type Presence struct {
	mu     sync.Mutex
	typing map[string]map[string]struct{}
	reg    *Registry
}

// NewPresence creates a tracker that broadcasts through reg and clears a
// participant's typing flag when the registry disconnects them.
func NewPresence(reg *Registry) *Presence {
	p := &Presence{
		typing: make(map[string]map[string]struct{}),
		reg:    reg,
	}
	reg.OnDisconnect(func(conversationID, participantID string) {
		p.ClearOnDisconnect(context.Background(), conversationID, participantID)
	})
	return p
}

// SetTyping records the participant's typing state and broadcasts a
// typing_indicator frame to the conversation.
func (p *Presence) SetTyping(ctx context.Context, conversationID, participantID string, isTyping bool) {
	p.mu.Lock()
	p.setLocked(conversationID, participantID, isTyping)
	typing := p.listLocked(conversationID)
	p.mu.Unlock()

	p.reg.Broadcast(ctx, conversationID, NewFrame(conversationID, TypingPayload{
		AgentID:      participantID,
		IsTyping:     isTyping,
		TypingAgents: typing,
	}), nil)
}

// ClearOnDisconnect removes the participant from the typing set. If they were
// typing, a typing_indicator frame with is_typing false is broadcast.
func (p *Presence) ClearOnDisconnect(ctx context.Context, conversationID, participantID string) bool {
	p.mu.Lock()
	_, was := p.typing[conversationID][participantID]
	if was {
		p.setLocked(conversationID, participantID, false)
	}
	typing := p.listLocked(conversationID)
	p.mu.Unlock()

	if !was {
		return false
	}
	p.reg.Broadcast(ctx, conversationID, NewFrame(conversationID, TypingPayload{
		AgentID:      participantID,
		IsTyping:     false,
		TypingAgents: typing,
	}), nil)
	return true
}

// Typing returns the sorted ids currently typing in a conversation.
func (p *Presence) Typing(conversationID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listLocked(conversationID)
}

// Forget drops all typing state for a conversation.
func (p *Presence) Forget(conversationID string) {
	p.mu.Lock()
	delete(p.typing, conversationID)
	p.mu.Unlock()
}

func (p *Presence) setLocked(conversationID, participantID string, isTyping bool) {
	set := p.typing[conversationID]
	if isTyping {
		if set == nil {
			set = make(map[string]struct{})
			p.typing[conversationID] = set
		}
		set[participantID] = struct{}{}
		return
	}
	if set == nil {
		return
	}
	delete(set, participantID)
	if len(set) == 0 {
		delete(p.typing, conversationID)
	}
}

func (p *Presence) listLocked(conversationID string) []string {
	out := make([]string, 0, len(p.typing[conversationID]))
	for id := range p.typing[conversationID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
