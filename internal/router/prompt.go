package router

import (
	"fmt"
	"strings"

	"zela-agent/internal/catalog"
	"zela-agent/internal/domain"
)

// DefaultHistoryTurns is how many prior turns are embedded in the prompt.
const DefaultHistoryTurns = 6

func buildPrompt(c *catalog.Catalog, message string, history []domain.Turn, maxTurns int) string {
	services := c.Services()
	descriptions := make([]string, 0, len(services))
	for i, svc := range services {
		descriptions = append(descriptions, svc.Describe(i))
	}

	return strings.Join([]string{
		"Role:",
		"You route messages sent to a personal finance assistant.",
		"",
		"Task:",
		"Pick the endpoint that handles the latest user message and extract its fields.",
		"If the message asks for nothing the endpoints can do, use endpointIndex null.",
		"",
		"Endpoints:",
		strings.Join(descriptions, ""),
		"Recent conversation:",
		renderHistory(history, maxTurns),
		"",
		"User message:",
		strings.TrimSpace(message),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func renderHistory(history []domain.Turn, maxTurns int) string {
	if maxTurns > 0 && len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	lines := make([]string, 0, len(history))
	for _, t := range history {
		text := strings.Join(strings.Fields(t.Text), " ")
		if text == "" {
			continue
		}
		line := "- user: " + text
		if t.ServiceID != "" {
			line += fmt.Sprintf(" [%s: %s]", t.ServiceID, t.Outcome)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "(none)"
	}
	return strings.Join(lines, "\n")
}

func outputContract() string {
	return "Return JSON only with keys endpointIndex (integer or null), params (object) " +
		"and confidence (number between 0 and 1). Numbers must be JSON numbers, " +
		"dates must use YYYY-MM-DD."
}
