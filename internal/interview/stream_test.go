package interview

import (
	"context"
	"errors"
	"testing"
)

type recordingSink struct {
	events []string
}

func (r *recordingSink) Start(agent string) { r.events = append(r.events, "start:"+agent) }
func (r *recordingSink) Chunk(text string)  { r.events = append(r.events, "chunk:"+text) }
func (r *recordingSink) End(agent string)   { r.events = append(r.events, "end:"+agent) }

func TestStreamNextQuestionForwardsFragmentsInOrder(t *testing.T) {
	gen := &stubGenerator{fragments: []string{"What ", "is ", "a channel?"}}
	m := newTestMachine(t, gen, 4)
	sink := &recordingSink{}

	question, agent, done, err := m.StreamNextQuestion(context.Background(), sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Fatal("expected session to continue")
	}
	if question != "What is a channel?" {
		t.Fatalf("unexpected question: %q", question)
	}
	if agent != "Domain Expert" {
		t.Fatalf("unexpected agent: %q", agent)
	}
	if m.State().Mode != ModeAwaitAnswer {
		t.Fatalf("expected mode await_answer, got %q", m.State().Mode)
	}

	expected := []string{
		"start:Domain Expert",
		"chunk:What ",
		"chunk:is ",
		"chunk:a channel?",
		"end:Domain Expert",
	}
	if len(sink.events) != len(expected) {
		t.Fatalf("unexpected events: %v", sink.events)
	}
	for i, want := range expected {
		if sink.events[i] != want {
			t.Fatalf("event %d = %q, want %q", i, sink.events[i], want)
		}
	}
}

func TestStreamNextQuestionSkipsSinkWhenDone(t *testing.T) {
	gen := &stubGenerator{fragments: []string{"never"}}
	m := newTestMachine(t, gen, 4)
	m.ForceStop()
	sink := &recordingSink{}

	_, _, done, err := m.StreamNextQuestion(context.Background(), sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatal("expected done")
	}
	if len(sink.events) != 0 {
		t.Fatalf("expected no sink events, got %v", sink.events)
	}
	if gen.calls != 0 {
		t.Fatalf("expected no generation calls, got %d", gen.calls)
	}
}

func TestStreamNextQuestionTruncatedStreamIsRetryable(t *testing.T) {
	gen := &stubGenerator{
		fragments: []string{"partial "},
		streamErr: errors.New("connection reset"),
	}
	m := newTestMachine(t, gen, 4)
	sink := &recordingSink{}

	_, _, _, err := m.StreamNextQuestion(context.Background(), sink)

	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if m.State().LastQuestion != "" {
		t.Fatalf("partial question committed: %q", m.State().LastQuestion)
	}
	for _, ev := range sink.events {
		if ev == "end:Domain Expert" {
			t.Fatal("end emitted for a truncated stream")
		}
	}

	// Retry drains a fresh stream and commits normally.
	gen.fragments = []string{"full question?"}
	gen.streamErr = nil

	question, _, _, err := m.StreamNextQuestion(context.Background(), &recordingSink{})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if question != "full question?" {
		t.Fatalf("unexpected question after retry: %q", question)
	}
}

func TestStreamNextQuestionEmptyStreamIsGenerationError(t *testing.T) {
	gen := &stubGenerator{fragments: []string{"  ", "\n"}}
	m := newTestMachine(t, gen, 4)

	_, _, _, err := m.StreamNextQuestion(context.Background(), &recordingSink{})

	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError for empty stream, got %v", err)
	}
	if m.State().Mode == ModeAwaitAnswer {
		t.Fatal("mode advanced on empty stream")
	}
}
