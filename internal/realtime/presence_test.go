package realtime

import (
	"context"
	"slices"
	"testing"
)

func lastTyping(t *testing.T, ch *recordingChannel) TypingPayload {
	t.Helper()
	frames := ch.received()
	for i := len(frames) - 1; i >= 0; i-- {
		if p, ok := frames[i].Payload.(TypingPayload); ok {
			return p
		}
	}
	t.Fatal("no typing_indicator frame received")
	return TypingPayload{}
}

func TestPresence_SetTypingBroadcastsSortedSet(t *testing.T) {
	r := NewRegistry(nil)
	p := NewPresence(r)
	watcher := &recordingChannel{}
	mustConnect(t, r, "conv-1", customer("c1"), watcher)

	p.SetTyping(context.Background(), "conv-1", "zed", true)
	p.SetTyping(context.Background(), "conv-1", "amy", true)

	got := lastTyping(t, watcher)
	if got.AgentID != "amy" || !got.IsTyping {
		t.Errorf("unexpected payload %+v", got)
	}
	if !slices.Equal(got.TypingAgents, []string{"amy", "zed"}) {
		t.Errorf("typing set = %v", got.TypingAgents)
	}

	p.SetTyping(context.Background(), "conv-1", "zed", false)
	got = lastTyping(t, watcher)
	if got.IsTyping || !slices.Equal(got.TypingAgents, []string{"amy"}) {
		t.Errorf("unexpected payload after stop %+v", got)
	}
	if !slices.Equal(p.Typing("conv-1"), []string{"amy"}) {
		t.Errorf("Typing = %v", p.Typing("conv-1"))
	}
}

func TestPresence_StopWithoutStartStillBroadcasts(t *testing.T) {
	r := NewRegistry(nil)
	p := NewPresence(r)
	watcher := &recordingChannel{}
	mustConnect(t, r, "conv-1", customer("c1"), watcher)

	p.SetTyping(context.Background(), "conv-1", "a1", false)

	if watcher.count(FrameTypingIndicator) != 1 {
		t.Error("expected a typing_indicator frame")
	}
}

func TestPresence_DisconnectClearsTyping(t *testing.T) {
	r := NewRegistry(nil)
	p := NewPresence(r)
	watcher := &recordingChannel{}
	mustConnect(t, r, "conv-1", customer("c1"), watcher)
	h := mustConnect(t, r, "conv-1", agent("a1"), &recordingChannel{})

	p.SetTyping(context.Background(), "conv-1", "a1", true)
	r.Disconnect("conv-1", "a1", h)

	got := lastTyping(t, watcher)
	if got.AgentID != "a1" || got.IsTyping || len(got.TypingAgents) != 0 {
		t.Errorf("unexpected payload %+v", got)
	}
	if len(p.Typing("conv-1")) != 0 {
		t.Error("typing set not cleared")
	}
}

func TestPresence_DisconnectOfIdleParticipantIsSilent(t *testing.T) {
	r := NewRegistry(nil)
	p := NewPresence(r)
	watcher := &recordingChannel{}
	mustConnect(t, r, "conv-1", customer("c1"), watcher)
	h := mustConnect(t, r, "conv-1", agent("a1"), &recordingChannel{})

	r.Disconnect("conv-1", "a1", h)

	if watcher.count(FrameTypingIndicator) != 0 {
		t.Error("no typing frame expected when the set did not change")
	}
	if p.ClearOnDisconnect(context.Background(), "conv-1", "a1") {
		t.Error("ClearOnDisconnect should report no change")
	}
}
