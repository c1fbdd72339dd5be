// Package store persists interview sessions in SQLite: the latest state
// snapshot and the chosen panel (with its job-description embedding) are
// kept per session id. The store is the source of truth across process
// restarts; in-memory sessions are a cache of it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/panelforge/panelforge/internal/interview"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when no record exists for a session id.
var ErrSessionNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS interviews (
	session_id TEXT PRIMARY KEY,
	state_json TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS panels (
	session_id TEXT PRIMARY KEY,
	jd_text TEXT NOT NULL,
	panel_json TEXT NOT NULL,
	embedding_json TEXT,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`

// Store is a keyed document store for interview sessions.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger.Debug("session store opened", zap.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveState upserts the full session snapshot. The write is idempotent:
// replaying the same snapshot leaves the stored document unchanged.
func (s *Store) SaveState(ctx context.Context, sessionID string, state *interview.State) error {
	data, err := interview.MarshalState(state)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interviews (session_id, state_json, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(session_id) DO UPDATE SET
			state_json = excluded.state_json,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, sessionID, string(data))
	if err != nil {
		return fmt.Errorf("save interview state: %w", err)
	}
	return nil
}

// GetState returns the latest stored snapshot for a session.
func (s *Store) GetState(ctx context.Context, sessionID string) (*interview.State, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT state_json FROM interviews WHERE session_id = ?
	`, sessionID).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get interview state: %w", err)
	}

	return interview.UnmarshalState([]byte(stateJSON))
}

// SavePanel upserts the panel chosen for a session together with the job
// description and its embedding. embedding may be nil.
func (s *Store) SavePanel(ctx context.Context, sessionID, jdText string, entries []interview.PanelEntry, embedding []float64) error {
	panelJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal panel: %w", err)
	}

	var embeddingJSON sql.NullString
	if len(embedding) > 0 {
		data, err := json.Marshal(embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		embeddingJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO panels (session_id, jd_text, panel_json, embedding_json, updated_at)
		VALUES (?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(session_id) DO UPDATE SET
			jd_text = excluded.jd_text,
			panel_json = excluded.panel_json,
			embedding_json = excluded.embedding_json,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, sessionID, jdText, string(panelJSON), embeddingJSON)
	if err != nil {
		return fmt.Errorf("save panel: %w", err)
	}
	return nil
}

// GetPanel returns the stored panel for a session.
func (s *Store) GetPanel(ctx context.Context, sessionID string) ([]interview.PanelEntry, error) {
	var panelJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT panel_json FROM panels WHERE session_id = ?
	`, sessionID).Scan(&panelJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get panel: %w", err)
	}

	var entries []interview.PanelEntry
	if err := json.Unmarshal([]byte(panelJSON), &entries); err != nil {
		return nil, fmt.Errorf("unmarshal panel: %w", err)
	}
	return entries, nil
}

// FindSimilarPanel scans all stored job-description embeddings and
// returns the panel with the highest cosine similarity, provided it also
// clears the threshold. A nil panel means no match.
func (s *Store) FindSimilarPanel(ctx context.Context, embedding []float64, threshold float64) ([]interview.PanelEntry, float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT panel_json, embedding_json FROM panels WHERE embedding_json IS NOT NULL
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("query panels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		bestPanel string
		bestScore float64
	)

	for rows.Next() {
		var panelJSON, embeddingJSON string
		if err := rows.Scan(&panelJSON, &embeddingJSON); err != nil {
			return nil, 0, fmt.Errorf("scan panel row: %w", err)
		}

		var stored []float64
		if err := json.Unmarshal([]byte(embeddingJSON), &stored); err != nil {
			s.logger.Warn("skipping panel with unreadable embedding", zap.Error(err))
			continue
		}

		if score := cosine(embedding, stored); score > bestScore {
			bestScore = score
			bestPanel = panelJSON
		}
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate panels: %w", err)
	}

	if bestPanel == "" || bestScore < threshold {
		return nil, 0, nil
	}

	var entries []interview.PanelEntry
	if err := json.Unmarshal([]byte(bestPanel), &entries); err != nil {
		return nil, 0, fmt.Errorf("unmarshal matched panel: %w", err)
	}

	return entries, bestScore, nil
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}

	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
