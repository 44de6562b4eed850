package realtime

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/metrics"
	"github.com/google/uuid"
)

// Handle identifies one registered connection. Two handles are equal only if
// they are the same registration, even for the same participant.
type Handle struct {
	id             string
	conversationID string
	participant    domain.Participant
	ch             Channel
	connectedAt    time.Time
}

// ID returns the registration id.
func (h *Handle) ID() string { return h.id }

// ConversationID returns the conversation the handle joined.
func (h *Handle) ConversationID() string { return h.conversationID }

// Participant returns who owns the connection.
func (h *Handle) Participant() domain.Participant { return h.participant }

// Send writes one frame to this connection only.
func (h *Handle) Send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Type(), err)
	}
	return h.ch.Send(ctx, data)
}

type group struct {
	mu      sync.RWMutex
	members map[*Handle]struct{}
}

type directKey struct {
	role domain.Role
	id   string
}

// Registry tracks live connections grouped by conversation, plus a
// last-connect-wins direct address per (role, participant).
//
// Lock order is mu before a group's mu. mu only guards the groups map;
// membership changes and snapshots of one conversation take that group's lock.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*group

	directMu sync.RWMutex
	direct   map[directKey]*Handle

	onDisconnect func(conversationID, participantID string)
	metrics      *metrics.Metrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		groups:  make(map[string]*group),
		direct:  make(map[directKey]*Handle),
		metrics: m,
	}
}

// OnDisconnect installs a hook run after a participant's connection leaves a conversation.
// It must be set before the registry is shared.
func (r *Registry) OnDisconnect(fn func(conversationID, participantID string)) {
	r.onDisconnect = fn
}

// Connect registers ch under conversationID, makes it the direct address for
// the participant and sends a connection_confirmed frame. A previous direct
// entry for the same participant is replaced but its channel stays open.
func (r *Registry) Connect(ctx context.Context, conversationID string, p domain.Participant, ch Channel) (*Handle, error) {
	h := &Handle{
		id:             uuid.NewString(),
		conversationID: conversationID,
		participant:    p,
		ch:             ch,
		connectedAt:    time.Now(),
	}

	r.addMember(h)

	r.directMu.Lock()
	r.direct[directKey{p.Role, p.ID}] = h
	r.directMu.Unlock()

	r.metrics.ConnectionOpened()
	slog.Info("Connection registered",
		"conversation_id", conversationID, "role", p.Role, "participant_id", p.ID, "handle", h.id)

	confirm := NewFrame(conversationID, ConnectionConfirmedPayload{UserType: p.Role, UserID: p.ID})
	if err := h.Send(ctx, confirm); err != nil {
		r.Disconnect(conversationID, p.ID, h)
		return nil, fmt.Errorf("confirm connection: %w", err)
	}
	return h, nil
}

func (r *Registry) addMember(h *Handle) {
	r.mu.RLock()
	g, ok := r.groups[h.conversationID]
	if ok {
		g.mu.Lock()
		r.mu.RUnlock()
		g.members[h] = struct{}{}
		g.mu.Unlock()
		return
	}
	r.mu.RUnlock()

	r.mu.Lock()
	g, ok = r.groups[h.conversationID]
	if !ok {
		g = &group{members: make(map[*Handle]struct{})}
		r.groups[h.conversationID] = g
	}
	g.mu.Lock()
	n := len(r.groups)
	r.mu.Unlock()
	g.members[h] = struct{}{}
	g.mu.Unlock()

	r.metrics.GroupsChanged(n)
}

// removeMember reports whether h was a member. An emptied group is dropped.
func (r *Registry) removeMember(conversationID string, h *Handle) bool {
	r.mu.RLock()
	g, ok := r.groups[conversationID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	g.mu.Lock()
	_, member := g.members[h]
	delete(g.members, h)
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		r.mu.Lock()
		g.mu.Lock()
		if len(g.members) == 0 && r.groups[conversationID] == g {
			delete(r.groups, conversationID)
		}
		g.mu.Unlock()
		n := len(r.groups)
		r.mu.Unlock()
		r.metrics.GroupsChanged(n)
	}
	return member
}

// Disconnect removes h from its conversation. The participant's direct entry
// is removed only if it still points at h. Calling it twice is harmless.
func (r *Registry) Disconnect(conversationID, participantID string, h *Handle) {
	if h == nil {
		return
	}
	removed := r.removeMember(conversationID, h)
	r.dropDirect(directKey{h.participant.Role, participantID}, h)

	if !removed {
		return
	}
	r.metrics.ConnectionClosed()
	slog.Info("Connection unregistered",
		"conversation_id", conversationID, "role", h.participant.Role, "participant_id", participantID, "handle", h.id)

	if r.onDisconnect != nil {
		r.onDisconnect(conversationID, participantID)
	}
}

func (r *Registry) dropDirect(key directKey, h *Handle) bool {
	r.directMu.Lock()
	defer r.directMu.Unlock()
	if r.direct[key] == h {
		delete(r.direct, key)
		return true
	}
	return false
}

func (r *Registry) snapshot(conversationID string, exclude *Handle) []*Handle {
	r.mu.RLock()
	g, ok := r.groups[conversationID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Handle, 0, len(g.members))
	for h := range g.members {
		if h != exclude {
			out = append(out, h)
		}
	}
	return out
}

// Broadcast sends f to every connection in the conversation except exclude
// and returns how many sends succeeded. Connections whose send fails are
// disconnected. Sends happen outside the registry locks.
func (r *Registry) Broadcast(ctx context.Context, conversationID string, f Frame, exclude *Handle) int {
	targets := r.snapshot(conversationID, exclude)
	if len(targets) == 0 {
		return 0
	}

	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("Failed to marshal frame", "type", f.Type(), "error", err)
		return 0
	}

	delivered := 0
	var failed []*Handle
	for _, h := range targets {
		if err := h.ch.Send(ctx, data); err != nil {
			slog.Debug("Broadcast send failed",
				"conversation_id", conversationID, "participant_id", h.participant.ID, "error", err)
			failed = append(failed, h)
			continue
		}
		delivered++
	}
	r.metrics.FramesSent(string(f.Type()), delivered)

	for _, h := range failed {
		r.metrics.SendFailed()
		r.Disconnect(h.conversationID, h.participant.ID, h)
	}
	return delivered
}

// SendDirect sends f to the participant's current direct connection and
// reports whether delivery was attempted. On send failure the direct entry is
// dropped if it still points at the same connection.
func (r *Registry) SendDirect(ctx context.Context, role domain.Role, participantID string, f Frame) bool {
	key := directKey{role, participantID}
	r.directMu.RLock()
	h := r.direct[key]
	r.directMu.RUnlock()
	if h == nil {
		return false
	}

	if err := h.Send(ctx, f); err != nil {
		r.metrics.SendFailed()
		r.dropDirect(key, h)
		slog.Debug("Direct send failed", "role", role, "participant_id", participantID, "error", err)
		return true
	}
	r.metrics.FramesSent(string(f.Type()), 1)
	return true
}

// BroadcastAgents sends f to every agent's direct connection and returns how
// many sends succeeded.
func (r *Registry) BroadcastAgents(ctx context.Context, f Frame) int {
	r.directMu.RLock()
	targets := make(map[directKey]*Handle)
	for k, h := range r.direct {
		if k.role == domain.RoleAgent {
			targets[k] = h
		}
	}
	r.directMu.RUnlock()
	if len(targets) == 0 {
		return 0
	}

	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("Failed to marshal frame", "type", f.Type(), "error", err)
		return 0
	}

	delivered := 0
	for k, h := range targets {
		if err := h.ch.Send(ctx, data); err != nil {
			r.metrics.SendFailed()
			r.dropDirect(k, h)
			continue
		}
		delivered++
	}
	r.metrics.FramesSent(string(f.Type()), delivered)
	return delivered
}

// CountMembers returns the number of live connections in a conversation.
func (r *Registry) CountMembers(conversationID string) int {
	r.mu.RLock()
	g, ok := r.groups[conversationID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Participants lists the distinct participants connected to a conversation,
// sorted by role then id.
func (r *Registry) Participants(conversationID string) []domain.Participant {
	seen := make(map[domain.Participant]struct{})
	out := []domain.Participant{}
	for _, h := range r.snapshot(conversationID, nil) {
		if _, dup := seen[h.participant]; dup {
			continue
		}
		seen[h.participant] = struct{}{}
		out = append(out, h.participant)
	}
	slices.SortFunc(out, func(a, b domain.Participant) int {
		return cmp.Or(cmp.Compare(a.Role, b.Role), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// CloseConversation closes and removes every connection in a conversation.
func (r *Registry) CloseConversation(conversationID, reason string) int {
	r.mu.Lock()
	g, ok := r.groups[conversationID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	delete(r.groups, conversationID)
	g.mu.Lock()
	members := make([]*Handle, 0, len(g.members))
	for h := range g.members {
		members = append(members, h)
	}
	clear(g.members)
	g.mu.Unlock()
	n := len(r.groups)
	r.mu.Unlock()
	r.metrics.GroupsChanged(n)

	for _, h := range members {
		if err := h.ch.Close(reason); err != nil {
			slog.Debug("Failed to close channel", "handle", h.id, "error", err)
		}
		r.dropDirect(directKey{h.participant.Role, h.participant.ID}, h)
		r.metrics.ConnectionClosed()
		if r.onDisconnect != nil {
			r.onDisconnect(conversationID, h.participant.ID)
		}
	}
	slog.Info("Conversation connections closed", "conversation_id", conversationID, "count", len(members))
	return len(members)
}

// Stats reports registry occupancy.
type Stats struct {
	Conversations int `json:"conversations"`
	Connections   int `json:"connections"`
	DirectEntries int `json:"direct_entries"`
}

// Stats returns a point-in-time view of registry occupancy.
func (r *Registry) Stats() Stats {
	var s Stats
	r.mu.RLock()
	s.Conversations = len(r.groups)
	for _, g := range r.groups {
		g.mu.RLock()
		s.Connections += len(g.members)
		g.mu.RUnlock()
	}
	r.mu.RUnlock()

	r.directMu.RLock()
	s.DirectEntries = len(r.direct)
	r.directMu.RUnlock()
	return s
}
