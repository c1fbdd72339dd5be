package interview

import (
	"reflect"
	"testing"
)

func TestNewStateValidation(t *testing.T) {
	cases := []struct {
		name     string
		panel    []PanelEntry
		maxTurns int
		wantErr  bool
	}{
		{name: "valid", panel: testPanelEntries(), maxTurns: 6},
		{name: "empty panel", panel: nil, maxTurns: 6, wantErr: true},
		{name: "unnamed entry", panel: []PanelEntry{{Name: " ", Instruction: "x"}}, maxTurns: 6, wantErr: true},
		{name: "zero turns", panel: testPanelEntries(), maxTurns: 0, wantErr: true},
		{name: "negative turns", panel: testPanelEntries(), maxTurns: -1, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state, err := NewState(tc.panel, "", tc.maxTurns)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if state.Mode != ModeRoute || state.TurnIndex != 0 {
				t.Fatalf("unexpected initial state: mode=%q turn_index=%d", state.Mode, state.TurnIndex)
			}
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	original := &State{
		Panel:         testPanelEntries(),
		ResumeNotes:   "notes",
		History:       []TurnRecord{{Agent: "Domain Expert", Question: "Q", Answer: "A", Feedback: "F"}},
		TurnIndex:     1,
		MaxTurns:      8,
		CurrentAgent:  "Systems Expert",
		Mode:          ModeAwaitAnswer,
		LastQuestion:  "last q",
		LastFeedback:  "last f",
		PendingAnswer: "pending",
		ForceStop:     true,
	}

	data, err := MarshalState(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored, err := UnmarshalState(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !reflect.DeepEqual(original, restored) {
		t.Fatalf("round trip mismatch:\noriginal: %+v\nrestored: %+v", original, restored)
	}
}

func TestStateRoundTripEmptyHistory(t *testing.T) {
	original, err := NewState(testPanelEntries(), "", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := MarshalState(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored, err := UnmarshalState(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if restored.History == nil || len(restored.History) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", restored.History)
	}
	if !reflect.DeepEqual(original, restored) {
		t.Fatalf("round trip mismatch:\noriginal: %+v\nrestored: %+v", original, restored)
	}
}

func TestUnmarshalStateRejectsEmptyPanel(t *testing.T) {
	if _, err := UnmarshalState([]byte(`{"panel":[],"mode":"route"}`)); err == nil {
		t.Fatal("expected an error for an empty panel")
	}
}

func testPanelEntries() []PanelEntry {
	return []PanelEntry{
		{Name: "Domain Expert", Instruction: "You are a domain expert interviewer."},
		{Name: "Systems Expert", Instruction: "You are a systems design interviewer."},
		{Name: "Behavioral Expert", Instruction: "You are a behavioral interviewer."},
	}
}
