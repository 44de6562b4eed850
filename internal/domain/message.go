package domain

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// SenderType identifies who authored a message.
type SenderType string

// Sender types.
const (
	SenderUser     SenderType = "user"
	SenderAgent    SenderType = "agent"
	SenderSystem   SenderType = "system"
	SenderInternal SenderType = "internal"
)

// Message is one entry in a conversation's history.
type Message struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversation_id"`
	SenderID         string         `json:"sender_id"`
	SenderType       SenderType     `json:"sender_type"`
	Content          string         `json:"content"`
	Metadata         map[string]any `json:"metadata"`
	Timestamp        time.Time      `json:"timestamp"`
	Sentiment        string         `json:"sentiment,omitempty"`
	Intent           string         `json:"intent,omitempty"`
	ConfidenceScore  float64        `json:"confidence_score,omitempty"`
	IsAIGenerated    bool           `json:"is_ai_generated"`
	ProcessingTimeMs int64          `json:"processing_time_ms,omitempty"`
}

// NewMessageID returns a lexically sortable message identifier.
func NewMessageID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewMessage builds a message stamped with a fresh ID and the current time.
func NewMessage(conversationID, senderID string, senderType SenderType, content string) Message {
	return Message{
		ID:             NewMessageID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderType:     senderType,
		Content:        content,
		Metadata:       map[string]any{},
		Timestamp:      time.Now().UTC(),
	}
}
