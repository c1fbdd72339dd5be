package interview

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// FragmentSink receives the streamed question for one turn. Events arrive
// strictly in order: one Start, zero or more Chunks, one End. No events
// are delivered when routing ends the session, and End is withheld when
// the fragment sequence fails before completion.
type FragmentSink interface {
	Start(agent string)
	Chunk(text string)
	End(agent string)
}

// StreamNextQuestion is NextQuestion with the generation call made in
// incremental mode: fragments are forwarded to the sink as they arrive.
// The state update is applied only after the full sequence has drained,
// so a truncated stream leaves the turn retryable.
func (m *Machine) StreamNextQuestion(ctx context.Context, sink FragmentSink) (string, string, bool, error) {
	m.state.Mode = ModeRoute
	m.route()

	if m.state.Done() {
		return "", "", true, nil
	}

	agent := m.state.CurrentAgent
	system := m.currentInstruction()
	prompt := m.composeContext() + "\n\n" + askInstruction

	sink.Start(agent)

	var sb strings.Builder
	for fragment, err := range m.gen.GenerateStream(ctx, system, prompt) {
		if err != nil {
			return "", "", false, generationFailed("question", err)
		}
		sb.WriteString(fragment)
		sink.Chunk(fragment)
	}

	question := strings.TrimSpace(sb.String())
	if question == "" {
		return "", "", false, generationFailed("question", errors.New("empty stream"))
	}

	m.state.LastQuestion = question
	m.state.Mode = ModeAwaitAnswer
	sink.End(agent)

	m.logger.Debug("question streamed",
		zap.String("agent", agent),
		zap.Int("turn_index", m.state.TurnIndex),
		zap.Int("question_length", len(question)),
	)

	return question, agent, false, nil
}
