package agent

import "strings"

type escalationDetector interface {
	RequiresEscalation(message string) bool
}

type keywordEscalation struct {
	keywords []string
}

func newKeywordEscalation() keywordEscalation {
	return keywordEscalation{keywords: []string{
		"refund", "cancel", "billing error", "complaint", "legal",
		"supervisor", "manager", "escalate", "frustrated", "angry",
	}}
}

// RequiresEscalation matches the customer's text case-insensitively.
func (k keywordEscalation) RequiresEscalation(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range k.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

var followUps = []string{
	"Is there anything else I can help you with?",
	"Would you like me to provide additional information?",
	"Do you need help with anything related to this topic?",
}

func suggestions() []string {
	return append([]string(nil), followUps[:2]...)
}
