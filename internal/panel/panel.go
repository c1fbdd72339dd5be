// Package panel resolves the three interviewer personas for a session:
// it reuses a stored panel when the job description is semantically close
// to one seen before, and otherwise asks the model for a fresh panel,
// falling back to a fixed default when the result has the wrong shape.
package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/panelforge/panelforge/internal/interview"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// DefaultSimilarityThreshold is the cosine similarity a stored job
// description must clear for its panel to be reused.
const DefaultSimilarityThreshold = 0.90

// maxJDRunes caps how much of the job description is sent to the model.
const maxJDRunes = 4000

const panelSystem = "You are configuring a mock interview panel based on a given Job Description (JD). " +
	"Choose exactly 3 expert roles and write a concise, effective system instruction for each expert " +
	"to conduct interviews. Return JSON with an array 'panel' of 3 objects: {name, instruction}. " +
	"Keep instructions under 200 words each."

type generator interface {
	GenerateJSON(ctx context.Context, system, prompt string) (string, error)
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Finder scans previously stored panels for one whose job-description
// embedding clears the threshold. A nil panel means no match.
type Finder interface {
	FindSimilarPanel(ctx context.Context, embedding []float64, threshold float64) ([]interview.PanelEntry, float64, error)
}

// Result is the outcome of panel resolution. Embedding is nil when the
// embedding call failed; Reused reports whether a stored panel was used.
type Result struct {
	Panel      []interview.PanelEntry
	Embedding  []float64
	Reused     bool
	Similarity float64
}

// Resolver builds or reuses interview panels.
type Resolver struct {
	gen       generator
	finder    Finder
	threshold float64
	logger    *zap.Logger
}

// NewResolver creates a Resolver. finder may be nil to disable reuse; a
// non-positive threshold selects the default.
func NewResolver(gen generator, finder Finder, threshold float64, logger *zap.Logger) *Resolver {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Resolver{gen: gen, finder: finder, threshold: threshold, logger: logger}
}

// Resolve returns the panel for the given job description. The result
// always contains exactly three entries.
func (r *Resolver) Resolve(ctx context.Context, jdText string) (*Result, error) {
	jdText = strings.TrimSpace(jdText)
	if jdText == "" {
		return nil, fmt.Errorf("job description text is required")
	}

	embedding, err := r.gen.Embed(ctx, jdText)
	if err != nil {
		// Reuse is an optimization: without an embedding we simply
		// generate a fresh panel.
		r.logger.Warn("embedding job description failed, skipping panel reuse", zap.Error(err))
		embedding = nil
	}

	if embedding != nil && r.finder != nil {
		reused, similarity, err := r.finder.FindSimilarPanel(ctx, embedding, r.threshold)
		if err != nil {
			r.logger.Warn("similar panel lookup failed", zap.Error(err))
		} else if reused != nil {
			r.logger.Info("reusing stored panel for similar job description",
				zap.Float64("similarity", similarity),
				zap.Float64("threshold", r.threshold),
			)
			return &Result{Panel: reused, Embedding: embedding, Reused: true, Similarity: similarity}, nil
		}
	}

	return &Result{Panel: r.propose(ctx, jdText), Embedding: embedding}, nil
}

// propose asks the model for a 3-entry panel and falls back to the
// default panel when the response does not parse to exactly three
// well-formed entries.
func (r *Resolver) propose(ctx context.Context, jdText string) []interview.PanelEntry {
	prompt := fmt.Sprintf("JD:\n%s\n\nReturn JSON with array 'panel' of 3 objects as specified.",
		truncateRunes(jdText, maxJDRunes))

	raw, err := r.gen.GenerateJSON(ctx, panelSystem, prompt)
	if err != nil {
		r.logger.Warn("panel generation failed, using fallback panel", zap.Error(err))
		return FallbackPanel()
	}

	entries, err := parsePanel(raw)
	if err != nil {
		r.logger.Warn("panel response has wrong shape, using fallback panel",
			zap.Error(err),
			zap.Int("response_length", len(raw)),
		)
		return FallbackPanel()
	}

	return entries
}

func parsePanel(raw string) ([]interview.PanelEntry, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(extractJSON(raw)), &payload); err != nil {
		return nil, fmt.Errorf("parse panel response: %w", err)
	}

	var entries []interview.PanelEntry
	if err := mapstructure.Decode(payload["panel"], &entries); err != nil {
		return nil, fmt.Errorf("decode panel entries: %w", err)
	}

	if len(entries) != interview.PanelSize {
		return nil, fmt.Errorf("expected %d panel entries, got %d", interview.PanelSize, len(entries))
	}

	for i := range entries {
		entries[i].Name = strings.TrimSpace(entries[i].Name)
		entries[i].Instruction = strings.TrimSpace(entries[i].Instruction)
		if entries[i].Name == "" {
			entries[i].Name = fmt.Sprintf("Expert %d", i+1)
		}
		if entries[i].Instruction == "" {
			entries[i].Instruction = "You are a helpful expert interviewer."
		}
	}

	return entries, nil
}

// FallbackPanel is the hard-coded panel used when generation cannot
// produce a well-formed one.
func FallbackPanel() []interview.PanelEntry {
	return []interview.PanelEntry{
		{Name: "Domain Expert", Instruction: "You are a domain expert interviewer."},
		{Name: "Systems Expert", Instruction: "You are a systems design interviewer."},
		{Name: "Behavioral Expert", Instruction: "You are a behavioral interviewer."},
	}
}

// extractJSON strips a markdown code fence the model sometimes wraps
// around the JSON document.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
