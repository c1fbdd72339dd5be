// Package interview implements the turn-taking interview state machine:
// a fixed route -> ask -> await_answer -> feedback loop over a panel of
// personas, with a configurable turn budget and resumable snapshots.
package interview

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"go.uber.org/zap"
)

const (
	// historyWindow limits how many recent turns are replayed into the
	// generation context for the next question.
	historyWindow = 5

	askInstruction = "Craft the next interview question. " +
		"Ask a single, clear, challenging question tailored to the role and context."

	feedbackInstruction = "Provide brief feedback in 2-4 bullets: strengths and improvements."
)

// TextGenerator is the slice of the text-generation service the machine
// depends on. Generate returns the final text in one piece; GenerateStream
// yields it as ordered fragments.
type TextGenerator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
	GenerateStream(ctx context.Context, system, prompt string) iter.Seq2[string, error]
}

// Machine drives one interview session. It is not safe for concurrent use;
// callers must serialize operations per session.
type Machine struct {
	state  *State
	gen    TextGenerator
	logger *zap.Logger
}

// NewMachine wraps an existing session snapshot. The snapshot may be fresh
// (NewState) or restored from the store.
func NewMachine(state *State, gen TextGenerator, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Machine{state: state, gen: gen, logger: logger}
}

// State exposes the current snapshot for persistence and inspection.
func (m *Machine) State() *State { return m.state }

// ForceStop requests an early end of the session. It may be called in any
// mode and takes effect at the next routing step.
func (m *Machine) ForceStop() {
	m.state.ForceStop = true
}

// route decides who speaks next or ends the session. It is a pure function
// of (TurnIndex, ForceStop, Panel) and is idempotent between transitions.
func (m *Machine) route() {
	if m.state.Mode == ModeDone {
		return
	}

	if m.state.ForceStop || m.state.TurnIndex >= m.state.MaxTurns {
		m.state.Mode = ModeDone
		return
	}

	idx := m.state.TurnIndex % len(m.state.Panel)
	m.state.CurrentAgent = m.state.Panel[idx].Name
	m.state.Mode = ModeAsk
}

// NextQuestion routes to the next persona and asks their question.
// Returns the question, the persona name, and whether the session ended
// instead. On a generation failure the state is left untouched so the call
// can be retried.
func (m *Machine) NextQuestion(ctx context.Context) (string, string, bool, error) {
	m.state.Mode = ModeRoute
	m.route()

	if m.state.Done() {
		return "", "", true, nil
	}

	system := m.currentInstruction()
	prompt := m.composeContext() + "\n\n" + askInstruction

	question, err := m.gen.Generate(ctx, system, prompt)
	if err != nil {
		return "", "", false, generationFailed("question", err)
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return "", "", false, generationFailed("question", errors.New("empty response"))
	}

	m.state.LastQuestion = question
	m.state.Mode = ModeAwaitAnswer

	m.logger.Debug("question generated",
		zap.String("agent", m.state.CurrentAgent),
		zap.Int("turn_index", m.state.TurnIndex),
	)

	return question, m.state.CurrentAgent, false, nil
}

// SubmitAnswer attaches the candidate's answer to the in-flight question.
func (m *Machine) SubmitAnswer(answer string) error {
	if m.state.Mode != ModeAwaitAnswer {
		return fmt.Errorf("submit answer in mode %q: %w", m.state.Mode, ErrInvalidState)
	}

	m.state.PendingAnswer = answer
	m.state.Mode = ModeFeedback
	return nil
}

// ProcessAnswer completes the turn: it submits the answer, generates the
// persona's feedback, folds the turn into history, and routes once more so
// the caller learns immediately whether the session is over.
func (m *Machine) ProcessAnswer(ctx context.Context, answer string) (bool, error) {
	if err := m.SubmitAnswer(answer); err != nil {
		return false, err
	}

	if err := m.feedback(ctx); err != nil {
		// Re-arm the answer slot so a retry of ProcessAnswer does not
		// trip the mode check.
		m.state.Mode = ModeAwaitAnswer
		return false, err
	}

	m.route()
	return m.state.Done(), nil
}

// feedback asks the current persona to assess the pending answer and
// appends the completed turn. History and the turn counter only advance
// when generation succeeds.
func (m *Machine) feedback(ctx context.Context) error {
	system := m.currentInstruction()
	prompt := fmt.Sprintf("Question: %s\nAnswer: %s\n\n%s",
		m.state.LastQuestion, m.state.PendingAnswer, feedbackInstruction)

	fb, err := m.gen.Generate(ctx, system, prompt)
	if err != nil {
		return generationFailed("feedback", err)
	}

	fb = strings.TrimSpace(fb)
	if fb == "" {
		return generationFailed("feedback", errors.New("empty response"))
	}

	m.state.LastFeedback = fb
	m.state.History = append(m.state.History, TurnRecord{
		Agent:    m.state.CurrentAgent,
		Question: m.state.LastQuestion,
		Answer:   m.state.PendingAnswer,
		Feedback: fb,
	})
	m.state.TurnIndex++
	m.state.Mode = ModeRoute

	m.logger.Debug("turn completed",
		zap.String("agent", m.state.CurrentAgent),
		zap.Int("turn_index", m.state.TurnIndex),
		zap.Int("history_len", len(m.state.History)),
	)

	return nil
}

// currentInstruction resolves the system instruction of the persona
// selected by the most recent routing decision.
func (m *Machine) currentInstruction() string {
	for _, p := range m.state.Panel {
		if p.Name == m.state.CurrentAgent {
			return p.Instruction
		}
	}
	return "You are an expert interviewer."
}

// composeContext renders resume notes and the most recent turns into the
// prompt context for question generation.
func (m *Machine) composeContext() string {
	var parts []string

	if m.state.ResumeNotes != "" {
		parts = append(parts, "Resume Notes:\n"+m.state.ResumeNotes)
	}

	recent := m.state.History
	if len(recent) > historyWindow {
		recent = recent[len(recent)-historyWindow:]
	}

	if len(recent) > 0 {
		lines := make([]string, 0, len(recent))
		for _, h := range recent {
			lines = append(lines, fmt.Sprintf("Q by %s: %s\nUser: %s", h.Agent, h.Question, h.Answer))
		}
		parts = append(parts, "History (most recent last):\n"+strings.Join(lines, "\n"))
	}

	return strings.Join(parts, "\n\n")
}
