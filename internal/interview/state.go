package interview

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Mode is the control state of the interview state machine.
type Mode string

const (
	ModeRoute       Mode = "route"
	ModeAsk         Mode = "ask"
	ModeAwaitAnswer Mode = "await_answer"
	ModeFeedback    Mode = "feedback"
	ModeDone        Mode = "done"
)

// PanelSize is the number of personas on an interview panel.
const PanelSize = 3

// PanelEntry is a single interviewer persona. Immutable once the
// interview starts.
type PanelEntry struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
}

// TurnRecord is one completed question/answer/feedback cycle. Records are
// appended in chronological order and never mutated afterwards.
type TurnRecord struct {
	Agent    string `json:"agent"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Feedback string `json:"feedback"`
}

// State is the full snapshot of one interview session. It is the single
// unit of persistence: a snapshot written to the store and read back must
// reproduce the session exactly.
type State struct {
	Panel         []PanelEntry `json:"panel"`
	ResumeNotes   string       `json:"resume_notes"`
	History       []TurnRecord `json:"history"`
	TurnIndex     int          `json:"turn_index"`
	MaxTurns      int          `json:"max_turns"`
	CurrentAgent  string       `json:"current_agent"`
	Mode          Mode         `json:"mode"`
	LastQuestion  string       `json:"last_question"`
	LastFeedback  string       `json:"last_feedback"`
	PendingAnswer string       `json:"pending_answer"`
	ForceStop     bool         `json:"force_stop"`
}

// NewState creates a fresh session snapshot in routing mode.
func NewState(panel []PanelEntry, resumeNotes string, maxTurns int) (*State, error) {
	if len(panel) == 0 {
		return nil, errors.New("panel must not be empty")
	}

	for i, p := range panel {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("panel entry %d has no name", i)
		}
	}

	if maxTurns <= 0 {
		return nil, fmt.Errorf("max turns must be positive, got %d", maxTurns)
	}

	return &State{
		Panel:       panel,
		ResumeNotes: resumeNotes,
		History:     []TurnRecord{},
		TurnIndex:   0,
		MaxTurns:    maxTurns,
		Mode:        ModeRoute,
	}, nil
}

// Done reports whether the session has reached its terminal mode.
func (s *State) Done() bool {
	return s.Mode == ModeDone
}

// MarshalState serializes a snapshot for storage.
func MarshalState(s *State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal interview state: %w", err)
	}
	return data, nil
}

// UnmarshalState restores a snapshot previously produced by MarshalState.
func UnmarshalState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal interview state: %w", err)
	}

	if len(s.Panel) == 0 {
		return nil, errors.New("stored interview state has an empty panel")
	}

	if s.History == nil {
		s.History = []TurnRecord{}
	}

	return &s, nil
}
