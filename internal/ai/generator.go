// Package ai defines the capability contract for the text-generation
// service the interview core depends on.
package ai

import (
	"context"
	"iter"
)

// Generator is the provider-agnostic text-generation capability: plain
// generation, JSON-constrained generation, incremental generation, and
// text embeddings. Implementations live in provider subpackages.
type Generator interface {
	// Generate returns the model output for a system instruction and a
	// user prompt, trimmed, or an error when the provider fails or
	// returns nothing.
	Generate(ctx context.Context, system, prompt string) (string, error)

	// GenerateJSON is Generate with the response constrained to a JSON
	// document.
	GenerateJSON(ctx context.Context, system, prompt string) (string, error)

	// GenerateStream yields the output as ordered text fragments. The
	// sequence is a single forward pass and is not restartable.
	GenerateStream(ctx context.Context, system, prompt string) iter.Seq2[string, error]

	// Embed returns a fixed-length embedding vector for the text.
	Embed(ctx context.Context, text string) ([]float64, error)
}
