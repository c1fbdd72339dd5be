// Package session coordinates interview sessions: it owns the id-to-state
// map, serializes operations per session, and writes every externally
// visible state change through to the durable store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panelforge/panelforge/internal/interview"
	"github.com/panelforge/panelforge/internal/panel"
	"github.com/panelforge/panelforge/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnknownSession is returned for operations on a session id that is
// neither in memory nor in the store.
var ErrUnknownSession = errors.New("unknown session")

// PersistenceError reports that a state transition succeeded in memory
// but the write-through to the store failed. The transition is not rolled
// back; the snapshot is re-written on the next operation.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist session state: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the durable backing the coordinator writes through to.
type Store interface {
	SaveState(ctx context.Context, sessionID string, state *interview.State) error
	GetState(ctx context.Context, sessionID string) (*interview.State, error)
	SavePanel(ctx context.Context, sessionID, jdText string, entries []interview.PanelEntry, embedding []float64) error
}

type panelResolver interface {
	Resolve(ctx context.Context, jdText string) (*panel.Result, error)
}

// session pairs a machine with the lock serializing its operations.
// Different sessions run independently.
type session struct {
	mu      sync.Mutex
	machine *interview.Machine
}

// Coordinator manages all live interview sessions of the process.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*session

	store    Store
	gen      interview.TextGenerator
	resolver panelResolver
	logger   *zap.Logger
}

// New creates a Coordinator.
func New(st Store, gen interview.TextGenerator, resolver panelResolver, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		sessions: make(map[string]*session),
		store:    st,
		gen:      gen,
		resolver: resolver,
		logger:   logger,
	}
}

// NewSessionID mints a fresh session identifier.
func (c *Coordinator) NewSessionID() string {
	return uuid.NewString()
}

// CreatePanel resolves the panel for a job description and records it
// under the session id for later reuse.
func (c *Coordinator) CreatePanel(ctx context.Context, sessionID, jdText string) (*panel.Result, error) {
	result, err := c.resolver.Resolve(ctx, jdText)
	if err != nil {
		return nil, err
	}

	if err := c.store.SavePanel(ctx, sessionID, jdText, result.Panel, result.Embedding); err != nil {
		// The panel lives on in the session state; losing the reuse
		// record is not fatal.
		c.logger.Warn("saving panel failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	return result, nil
}

// StartSession seeds a new state machine with the panel and persists the
// initial snapshot.
func (c *Coordinator) StartSession(ctx context.Context, sessionID string, entries []interview.PanelEntry, resumeNotes string, maxTurns int) error {
	state, err := interview.NewState(entries, resumeNotes, maxTurns)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessions[sessionID] = &session{
		machine: interview.NewMachine(state, c.gen, c.logger),
	}
	c.mu.Unlock()

	c.logger.Info("interview session started",
		zap.String("session_id", sessionID),
		zap.Int("max_turns", maxTurns),
		zap.Int("panel_size", len(entries)),
	)

	return c.persist(ctx, sessionID, state)
}

// ResumeSession restores a session whose in-memory instance was lost,
// reading the latest committed snapshot from the store.
func (c *Coordinator) ResumeSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	_, live := c.sessions[sessionID]
	c.mu.Unlock()
	if live {
		return nil
	}

	state, err := c.store.GetState(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return fmt.Errorf("session %s: %w", sessionID, ErrUnknownSession)
		}
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}

	c.mu.Lock()
	c.sessions[sessionID] = &session{
		machine: interview.NewMachine(state, c.gen, c.logger),
	}
	c.mu.Unlock()

	c.logger.Info("interview session resumed",
		zap.String("session_id", sessionID),
		zap.String("mode", string(state.Mode)),
		zap.Int("turn_index", state.TurnIndex),
	)

	return nil
}

// NextQuestion advances the session to its next question.
func (c *Coordinator) NextQuestion(ctx context.Context, sessionID string) (string, string, bool, error) {
	sess, err := c.get(sessionID)
	if err != nil {
		return "", "", false, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	question, agent, done, err := sess.machine.NextQuestion(ctx)
	if err != nil {
		return "", "", false, err
	}

	return question, agent, done, c.persist(ctx, sessionID, sess.machine.State())
}

// StreamNextQuestion advances the session to its next question, streaming
// fragments to the sink.
func (c *Coordinator) StreamNextQuestion(ctx context.Context, sessionID string, sink interview.FragmentSink) (string, string, bool, error) {
	sess, err := c.get(sessionID)
	if err != nil {
		return "", "", false, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	question, agent, done, err := sess.machine.StreamNextQuestion(ctx, sink)
	if err != nil {
		return "", "", false, err
	}

	return question, agent, done, c.persist(ctx, sessionID, sess.machine.State())
}

// ProcessAnswer completes the in-flight turn with the candidate's answer.
func (c *Coordinator) ProcessAnswer(ctx context.Context, sessionID, answer string) (bool, error) {
	sess, err := c.get(sessionID)
	if err != nil {
		return false, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	done, err := sess.machine.ProcessAnswer(ctx, answer)
	if err != nil {
		return false, err
	}

	return done, c.persist(ctx, sessionID, sess.machine.State())
}

// ForceStop requests an early end of the session.
func (c *Coordinator) ForceStop(ctx context.Context, sessionID string) error {
	sess, err := c.get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.machine.ForceStop()
	return c.persist(ctx, sessionID, sess.machine.State())
}

// Summarize produces the final coaching summary for the session.
func (c *Coordinator) Summarize(ctx context.Context, sessionID string) (string, error) {
	sess, err := c.get(sessionID)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return sess.machine.Summarize(ctx)
}

// State returns the current snapshot of a live session.
func (c *Coordinator) State(sessionID string) (*interview.State, error) {
	sess, err := c.get(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return sess.machine.State(), nil
}

func (c *Coordinator) get(sessionID string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrUnknownSession)
	}
	return sess, nil
}

// persist writes the snapshot through to the store. A failure is logged
// and surfaced as a PersistenceError without rolling back the in-memory
// transition (at-least-once toward storage).
func (c *Coordinator) persist(ctx context.Context, sessionID string, state *interview.State) error {
	if err := c.store.SaveState(ctx, sessionID, state); err != nil {
		c.logger.Error("write-through of session state failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return &PersistenceError{Err: err}
	}
	return nil
}
