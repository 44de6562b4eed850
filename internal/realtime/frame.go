// Package realtime manages live duplex connections: the connection registry,
// typing presence, the wire frame protocol and the WebSocket endpoint.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
)

// FrameType discriminates outbound frames.
type FrameType string

// Outbound frame types.
const (
	FrameNewMessage          FrameType = "new_message"
	FrameTypingIndicator     FrameType = "typing_indicator"
	FrameStatusUpdate        FrameType = "status_update"
	FrameAgentAssigned       FrameType = "agent_assigned"
	FrameEscalation          FrameType = "escalation"
	FrameConnectionConfirmed FrameType = "connection_confirmed"
	FrameError               FrameType = "error"
	FrameConversationStatus  FrameType = "conversation_status"
	FramePong                FrameType = "pong"
)

var (
	// ErrInvalidFrameType is returned for frames with an unknown type discriminator.
	ErrInvalidFrameType = errors.New("invalid frame type")
	// ErrMalformedFrame is returned for frames that are not valid JSON or miss required fields.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Payload is the typed body of an outbound frame. The set of implementations is closed.
type Payload interface {
	FrameType() FrameType
}

// MessagePayload carries a persisted conversation message.
type MessagePayload struct {
	MessageID     string            `json:"message_id"`
	SenderID      string            `json:"sender_id"`
	SenderType    domain.SenderType `json:"sender_type"`
	Content       string            `json:"content"`
	Metadata      map[string]any    `json:"metadata"`
	Sentiment     string            `json:"sentiment,omitempty"`
	Intent        string            `json:"intent,omitempty"`
	IsAIGenerated bool              `json:"is_ai_generated"`
	SentAt        time.Time         `json:"sent_at"`
}

// TypingPayload carries the full typing set after a change.
type TypingPayload struct {
	AgentID      string   `json:"agent_id"`
	IsTyping     bool     `json:"is_typing"`
	TypingAgents []string `json:"typing_agents"`
}

// StatusPayload announces a conversation status change.
type StatusPayload struct {
	Status domain.ConversationStatus `json:"status"`
	Reason string                    `json:"reason,omitempty"`
}

// AgentAssignedPayload announces the agent now handling the conversation.
type AgentAssignedPayload struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Message   string `json:"message"`
}

// EscalationPayload announces a hand-off to a human.
type EscalationPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ConnectionConfirmedPayload acknowledges a new connection.
type ConnectionConfirmedPayload struct {
	UserType domain.Role `json:"user_type"`
	UserID   string      `json:"user_id"`
}

// ErrorPayload reports a problem with a client request.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ConversationStatusPayload answers a status_request.
type ConversationStatusPayload struct {
	Status       domain.ConversationStatus `json:"status,omitempty"`
	Participants []domain.Participant      `json:"participants"`
	TypingAgents []string                  `json:"typing_agents"`
}

// PongPayload answers a ping.
type PongPayload struct{}

func (MessagePayload) FrameType() FrameType             { return FrameNewMessage }
func (TypingPayload) FrameType() FrameType              { return FrameTypingIndicator }
func (StatusPayload) FrameType() FrameType              { return FrameStatusUpdate }
func (AgentAssignedPayload) FrameType() FrameType       { return FrameAgentAssigned }
func (EscalationPayload) FrameType() FrameType          { return FrameEscalation }
func (ConnectionConfirmedPayload) FrameType() FrameType { return FrameConnectionConfirmed }
func (ErrorPayload) FrameType() FrameType               { return FrameError }
func (ConversationStatusPayload) FrameType() FrameType  { return FrameConversationStatus }
func (PongPayload) FrameType() FrameType                { return FramePong }

// NewMessagePayload converts a stored message into its wire form.
func NewMessagePayload(msg domain.Message) MessagePayload {
	return MessagePayload{
		MessageID:     msg.ID,
		SenderID:      msg.SenderID,
		SenderType:    msg.SenderType,
		Content:       msg.Content,
		Metadata:      msg.Metadata,
		Sentiment:     msg.Sentiment,
		Intent:        msg.Intent,
		IsAIGenerated: msg.IsAIGenerated,
		SentAt:        msg.Timestamp,
	}
}

// Frame is one outbound message on a live connection.
type Frame struct {
	ConversationID string
	Payload        Payload
	Timestamp      time.Time
}

// NewFrame stamps a payload with the conversation and the server time.
func NewFrame(conversationID string, p Payload) Frame {
	return Frame{ConversationID: conversationID, Payload: p, Timestamp: time.Now().UTC()}
}

// Type returns the frame's discriminator.
func (f Frame) Type() FrameType {
	if f.Payload == nil {
		return ""
	}
	return f.Payload.FrameType()
}

type frameEnvelope struct {
	Type           FrameType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Data           json.RawMessage `json:"data"`
	Timestamp      time.Time       `json:"timestamp"`
}

// MarshalJSON writes the {type, conversation_id, data, timestamp} envelope.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.Payload == nil {
		return nil, fmt.Errorf("%w: frame without payload", ErrMalformedFrame)
	}
	data, err := json.Marshal(f.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frameEnvelope{
		Type:           f.Payload.FrameType(),
		ConversationID: f.ConversationID,
		Data:           data,
		Timestamp:      f.Timestamp,
	})
}

// UnmarshalJSON decodes an envelope into the concrete payload type for its discriminator.
func (f *Frame) UnmarshalJSON(b []byte) error {
	var env frameEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var (
		p   Payload
		err error
	)
	switch env.Type {
	case FrameNewMessage:
		p, err = decodePayload[MessagePayload](env.Data)
	case FrameTypingIndicator:
		p, err = decodePayload[TypingPayload](env.Data)
	case FrameStatusUpdate:
		p, err = decodePayload[StatusPayload](env.Data)
	case FrameAgentAssigned:
		p, err = decodePayload[AgentAssignedPayload](env.Data)
	case FrameEscalation:
		p, err = decodePayload[EscalationPayload](env.Data)
	case FrameConnectionConfirmed:
		p, err = decodePayload[ConnectionConfirmedPayload](env.Data)
	case FrameError:
		p, err = decodePayload[ErrorPayload](env.Data)
	case FrameConversationStatus:
		p, err = decodePayload[ConversationStatusPayload](env.Data)
	case FramePong:
		p = PongPayload{}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFrameType, env.Type)
	}
	if err != nil {
		return fmt.Errorf("%w: bad %s data: %v", ErrMalformedFrame, env.Type, err)
	}

	f.ConversationID = env.ConversationID
	f.Payload = p
	f.Timestamp = env.Timestamp
	return nil
}

func decodePayload[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// InboundType discriminates client-to-server frames.
type InboundType string

// Inbound frame types.
const (
	InboundTypingStart   InboundType = "typing_start"
	InboundTypingStop    InboundType = "typing_stop"
	InboundChat          InboundType = "message"
	InboundStatusRequest InboundType = "status_request"
	InboundPing          InboundType = "ping"
)

// Inbound is a decoded client frame. The set of implementations is closed.
type Inbound interface {
	InboundType() InboundType
}

// TypingStart signals the sender started typing.
type TypingStart struct{}

// TypingStop signals the sender stopped typing.
type TypingStop struct{}

// ChatMessage is a message authored by the sender.
type ChatMessage struct {
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CustomerContext map[string]any `json:"customer_context,omitempty"`
}

// StatusRequest asks for participants and typing state.
type StatusRequest struct{}

// Ping is a client keepalive.
type Ping struct{}

func (TypingStart) InboundType() InboundType   { return InboundTypingStart }
func (TypingStop) InboundType() InboundType    { return InboundTypingStop }
func (ChatMessage) InboundType() InboundType   { return InboundChat }
func (StatusRequest) InboundType() InboundType { return InboundStatusRequest }
func (Ping) InboundType() InboundType          { return InboundPing }

type inboundEnvelope struct {
	Type InboundType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ChatMessage
}

// DecodeInbound parses a client frame. Message fields may be given either
// inside "data" or at the top level of the envelope.
func DecodeInbound(b []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case InboundTypingStart:
		return TypingStart{}, nil
	case InboundTypingStop:
		return TypingStop{}, nil
	case InboundStatusRequest:
		return StatusRequest{}, nil
	case InboundPing:
		return Ping{}, nil
	case InboundChat:
		msg := env.ChatMessage
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
		}
		msg.Content = strings.TrimSpace(msg.Content)
		if msg.Content == "" {
			return nil, fmt.Errorf("%w: message content is required", ErrMalformedFrame)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFrameType, env.Type)
	}
}
