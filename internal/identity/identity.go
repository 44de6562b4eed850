// Package identity extracts and validates who is connecting to a conversation.
package identity

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/supportdesk/internal/domain"
)

// Query parameter names accepted on connection requests.
const (
	ParamConversationID = "conversation_id"
	ParamRole           = "role"
	ParamParticipantID  = "participant_id"
)

// ErrInvalidIdentity is returned when connection parameters are missing or malformed.
var ErrInvalidIdentity = errors.New("invalid identity")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ConnectionParams identifies a participant joining a conversation.
type ConnectionParams struct {
	ConversationID string
	Participant    domain.Participant
}

// ValidID reports whether id is a safe identifier for logs, keys and storage.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

func sanitizeID(name, raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidIdentity, name)
	}
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %s has invalid characters", ErrInvalidIdentity, name)
	}
	return id, nil
}

// FromRequest reads conversation_id, role and participant_id from the query string.
func FromRequest(r *http.Request) (ConnectionParams, error) {
	q := r.URL.Query()

	convID, err := sanitizeID(ParamConversationID, q.Get(ParamConversationID))
	if err != nil {
		return ConnectionParams{}, err
	}
	role, err := domain.ParseRole(strings.ToLower(strings.TrimSpace(q.Get(ParamRole))))
	if err != nil {
		return ConnectionParams{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	participantID, err := sanitizeID(ParamParticipantID, q.Get(ParamParticipantID))
	if err != nil {
		return ConnectionParams{}, err
	}

	return ConnectionParams{
		ConversationID: convID,
		Participant:    domain.Participant{Role: role, ID: participantID},
	}, nil
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
