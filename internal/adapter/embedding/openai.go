package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"medvault/internal/domain"
)

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
//
// Batch splitting is purely a throughput and payload-size measure; each
// text is embedded independently by the backend, so batch boundaries do
// not affect the resulting vectors.
type OpenAIEmbedder struct {
	apiKey    string
	model     string
	baseURL   string
	dimension int
	batchSize int
	client    *http.Client
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func NewOpenAIEmbedder(apiKeyEnv, model string, batchSize int) (*OpenAIEmbedder, error) {
	return NewOpenAICompatibleEmbedder(apiKeyEnv, model, "https://api.openai.com/v1", batchSize)
}

// NewOllamaEmbedder targets a local Ollama server, which speaks the same
// wire format and needs no real API key.
func NewOllamaEmbedder(model, baseURL string, batchSize int) (*OpenAIEmbedder, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}

	dimension := 768
	switch model {
	case "nomic-embed-text":
		dimension = 768
	case "mxbai-embed-large":
		dimension = 1024
	case "all-minilm":
		dimension = 384
	}

	return &OpenAIEmbedder{
		apiKey:    "ollama",
		model:     model,
		baseURL:   baseURL,
		dimension: dimension,
		batchSize: normalizeBatchSize(batchSize),
		client:    &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func NewOpenAICompatibleEmbedder(apiKeyEnv, model, baseURL string, batchSize int) (*OpenAIEmbedder, error) {
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return nil, domain.WrapError("embedding.new",
			fmt.Errorf("%w: API key not found in environment variable %s", domain.ErrValidation, apiKeyEnv))
	}

	dimension := 1536
	switch model {
	case "text-embedding-3-small":
		dimension = 1536
	case "text-embedding-3-large":
		dimension = 3072
	case "text-embedding-ada-002":
		dimension = 1536
	}

	return &OpenAIEmbedder{
		apiKey:    apiKey,
		model:     model,
		baseURL:   baseURL,
		dimension: dimension,
		batchSize: normalizeBatchSize(batchSize),
		client:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func normalizeBatchSize(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var all [][]float32
	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		embeddings, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			// No partial results: either the whole input embeds or none of it.
			return nil, err
		}
		all = append(all, embeddings...)
	}

	return all, nil
}

func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, domain.WrapError("embedding.query",
			fmt.Errorf("%w: backend returned %d vectors for one input", domain.ErrStorage, len(vecs)))
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Input: texts, Model: e.model})
	if err != nil {
		return nil, domain.WrapError("embedding.embed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapError("embedding.embed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, domain.WrapError("embedding.embed",
			fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapError("embedding.embed",
			fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err))
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, domain.WrapError("embedding.embed",
			fmt.Errorf("%w: backend returned status %d", domain.ErrModelUnavailable, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.WrapError("embedding.embed",
			fmt.Errorf("%w: backend returned status %d", domain.ErrValidation, resp.StatusCode))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.WrapError("embedding.embed",
			fmt.Errorf("%w: unparseable backend response: %v", domain.ErrStorage, err))
	}
	if parsed.Error != nil {
		return nil, domain.WrapError("embedding.embed",
			fmt.Errorf("%w: %s", domain.ErrStorage, parsed.Error.Message))
	}
	if len(parsed.Data) != len(texts) {
		return nil, domain.WrapError("embedding.embed",
			fmt.Errorf("%w: expected %d vectors, got %d", domain.ErrStorage, len(texts), len(parsed.Data)))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range parsed.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, domain.WrapError("embedding.embed",
				fmt.Errorf("%w: vector index %d out of range", domain.ErrStorage, data.Index))
		}
		embeddings[data.Index] = data.Embedding
	}

	return embeddings, nil
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}
