package responder

import "strings"

// ActionCreateTicket asks the client to open a support ticket.
const ActionCreateTicket = "create_ticket"

const createTicketMarker = "ASSISTANT_CREATE_TICKET"

const fallbackReply = "I'm sorry, I couldn't generate a proper response."

// finalizeResponse strips the action marker and debug noise from raw model
// output.
func finalizeResponse(raw string) Response {
	var resp Response
	if strings.Contains(raw, createTicketMarker) {
		resp.Action = ActionCreateTicket
		raw = strings.ReplaceAll(raw, createTicketMarker, "")
	}

	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" ||
			strings.HasPrefix(trimmed, "messages ->") ||
			strings.HasPrefix(trimmed, "checkpoint") ||
			strings.Contains(trimmed, "State at the end") {
			continue
		}
		kept = append(kept, trimmed)
	}
	resp.Text = strings.TrimSpace(strings.Join(kept, "\n"))
	if resp.Text == "" && resp.Action == "" {
		resp.Text = fallbackReply
	}
	return resp
}
