package api

import (
	"net/http"
	"testing"

	"github.com/ashureev/supportdesk/internal/conversation"
	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConversationFixture() (*fakeRepo, *fakeConversations, http.Handler) {
	repo := newFakeRepo()
	convs := &fakeConversations{repo: repo}
	return repo, convs, newTestRouter(repo, convs, nil)
}

func TestCreateConversation(t *testing.T) {
	_, _, h := newConversationFixture()

	w := do(t, h, http.MethodPost, "/api/conversations", map[string]any{
		"customer_id": "cust-1",
		"channel":     "email",
		"subject":     "Login trouble",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var conv domain.Conversation
	decodeBody(t, w, &conv)
	assert.Equal(t, "cust-1", conv.CustomerID)
	assert.Equal(t, domain.ChannelEmail, conv.Channel)
	assert.Equal(t, domain.PriorityMedium, conv.Priority)
	assert.NotEmpty(t, conv.ID)
}

func TestCreateConversation_Validation(t *testing.T) {
	_, _, h := newConversationFixture()

	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"missing customer", map[string]any{"subject": "x"}, "customer_id"},
		{"bad customer id", map[string]any{"customer_id": "has spaces"}, "customer_id"},
		{"unknown channel", map[string]any{"customer_id": "c1", "channel": "pigeon"}, "channel"},
		{"unknown priority", map[string]any{"customer_id": "c1", "priority": "asap"}, "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/conversations", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

func TestGetConversation(t *testing.T) {
	repo, _, h := newConversationFixture()
	conv := domain.NewConversation("cust-1", "", "", "", nil)
	require.NoError(t, repo.CreateConversation(t.Context(), conv))

	w := do(t, h, http.MethodGet, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListConversations(t *testing.T) {
	repo, _, h := newConversationFixture()
	require.NoError(t, repo.CreateConversation(t.Context(), domain.NewConversation("c1", "", "", "", nil)))

	w := do(t, h, http.MethodGet, "/api/conversations?status=active&page=2&page_size=500", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusActive, repo.lastLF.Status)
	assert.Equal(t, 2, repo.lastLF.Page)
	assert.Equal(t, store.MaxPageSize, repo.lastLF.PageSize)

	var page store.ConversationPage
	decodeBody(t, w, &page)
	assert.Equal(t, 1, page.TotalCount)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/conversations?status=lost", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/conversations?page=two", nil).Code)
}

func TestPostMessage(t *testing.T) {
	_, convs, h := newConversationFixture()

	w := do(t, h, http.MethodPost, "/api/conversations/conv-1/messages", map[string]any{
		"sender_type": "agent",
		"sender_id":   "human-1",
		"content":     "I'll take it from here",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, convs.inbound, 1)
	assert.Equal(t, "conv-1", convs.inbound[0].ConversationID)
	assert.Equal(t, domain.Participant{Role: domain.RoleAgent, ID: "human-1"}, convs.inbound[0].Sender)

	w = do(t, h, http.MethodPost, "/api/conversations/conv-1/messages", map[string]any{
		"sender_type": "robot",
		"sender_id":   "r1",
		"content":     "beep",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	convs.inErr = conversation.ErrConversationClosed
	w = do(t, h, http.MethodPost, "/api/conversations/conv-1/messages", map[string]any{
		"sender_type": "user",
		"sender_id":   "cust-1",
		"content":     "hello?",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUpdateStatus(t *testing.T) {
	repo, convs, h := newConversationFixture()
	conv := domain.NewConversation("cust-1", "", "", "", nil)
	require.NoError(t, repo.CreateConversation(t.Context(), conv))

	w := do(t, h, http.MethodPut, "/api/conversations/"+conv.ID+"/status", map[string]any{"status": "resolved"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []domain.ConversationStatus{domain.StatusResolved}, convs.statuses)

	w = do(t, h, http.MethodPut, "/api/conversations/"+conv.ID+"/status", map[string]any{"status": "archived"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
