package domain

import "fmt"

// Role of a connected participant.
type Role string

// Participant roles.
const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleCustomer, RoleAgent:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Participant is a connected customer or agent.
type Participant struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

// SenderType maps a participant role to the message sender type.
func (p Participant) SenderType() SenderType {
	if p.Role == RoleAgent {
		return SenderAgent
	}
	return SenderUser
}

func (p Participant) String() string {
	return string(p.Role) + ":" + p.ID
}
