package interview

import (
	"context"
	"fmt"
	"strings"
)

// NoInterviewSummary is returned when a summary is requested before any
// turn has completed.
const NoInterviewSummary = "No interview conducted."

const (
	summarySystem = "You are an interview coach who writes concise, helpful summaries."

	summaryInstruction = "Using the interview transcript and feedback, write a concise summary " +
		"for the candidate: What went well and what to improve. Include actionable tips."
)

// Summarize reduces the full history into a coaching narrative. The
// generator is never called when no turn has completed.
func (m *Machine) Summarize(ctx context.Context) (string, error) {
	if len(m.state.History) == 0 {
		return NoInterviewSummary, nil
	}

	items := make([]string, 0, len(m.state.History))
	for _, h := range m.state.History {
		items = append(items, fmt.Sprintf("Q: %s\nA: %s\nFeedback: %s", h.Question, h.Answer, h.Feedback))
	}

	prompt := strings.Join(items, "\n\n") + "\n\n" + summaryInstruction

	summary, err := m.gen.Generate(ctx, summarySystem, prompt)
	if err != nil {
		return "", generationFailed("summary", err)
	}

	return strings.TrimSpace(summary), nil
}
