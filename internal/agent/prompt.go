package agent

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/supportdesk/internal/domain"
)

// historyLimit is the number of stored messages rendered into a prompt.
const historyLimit = 10

// priorHistory drops the trailing message if it is the one being answered,
// then keeps at most historyLimit of the rest.
func priorHistory(history []domain.Message, messageID string) []domain.Message {
	if n := len(history); n > 0 && messageID != "" && history[n-1].ID == messageID {
		history = history[:n-1]
	}
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	return history
}

// BuildPrompt renders customer context, recent history and the new message
// into the text sent to the generator.
func BuildPrompt(customerContext map[string]any, history []domain.Message, message string) string {
	var b strings.Builder

	if len(customerContext) > 0 {
		if raw, err := json.MarshalIndent(customerContext, "", "  "); err == nil {
			b.WriteString("Customer Context: ")
			b.Write(raw)
			b.WriteString("\n\n")
		}
	}

	var lines []string
	for _, m := range history {
		switch m.SenderType {
		case domain.SenderUser:
			lines = append(lines, "Customer: "+m.Content)
		case domain.SenderAgent:
			lines = append(lines, "Agent: "+m.Content)
		}
	}
	if len(lines) > 0 {
		b.WriteString("Conversation History:\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n\n")
	}

	b.WriteString("Customer Message: ")
	b.WriteString(message)
	return b.String()
}
