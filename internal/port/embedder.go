package port

import "context"

// Embedder generates vector embeddings for clinical text.
//
// Implementations must be deterministic for a fixed model identity: the
// same text always yields the same vector. Batch boundaries are a
// throughput concern only and must not change the resulting vectors.
type Embedder interface {
	// Embed generates embeddings for the given texts, one vector per
	// input. On backend failure no partial batch is returned.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates the embedding for a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// ModelName returns the identity of the embedding model.
	ModelName() string
}
