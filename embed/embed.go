// Package embed defines the text embedding contract. The engine is
// agnostic to the concrete provider; the only requirement is that
// Dimensions matches the metadata index's configured dimensionality.
package embed

import "context"

// Embedder converts text to vector embeddings.
// Implementations: mock.Embedder (tests/dev), API-backed providers in
// production.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
