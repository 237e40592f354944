package cli

import (
	"crypto/sha256"
	"fmt"
	"os"

	"medvault/config"
	"medvault/internal/adapter/anonymizer"
	"medvault/internal/adapter/audit"
	"medvault/internal/adapter/embedding"
	"medvault/internal/adapter/index"
	"medvault/internal/domain"
	"medvault/internal/port"
	"medvault/internal/usecase"
)

// keyEnv names the deployment secret index keys are derived from.
// Without it, keys are random per process and persisted indexes cannot
// be reopened by a later invocation.
const keyEnv = "MEDVAULT_KEY"

// newPipeline wires the full pipeline from the loaded config and
// returns it with a cleanup function releasing every open resource.
func newPipeline() (*usecase.Pipeline, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	anon, err := anonymizer.New(anonymizer.Policy{
		Name:    cfg.Anonymizer.Policy,
		Classes: cfg.Anonymizer.Classes,
	}, cfg.Anonymizer.Salt)
	if err != nil {
		return nil, nil, err
	}

	embedder, closeEmbedder, err := newEmbedder(cfg.Embedding)
	if err != nil {
		return nil, nil, err
	}
	if closeEmbedder != nil {
		closers = append(closers, closeEmbedder)
	}

	recorder, err := index.NewRecorder(cfg.Audit.LogDir, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to open metrics sink: %w", err)
	}

	var factory index.StoreFactory
	switch cfg.Index.Backend {
	case "memory":
		factory = index.MemoryFactory()
	default:
		if err := config.EnsureVaultDir(rootDir); err != nil {
			cleanup()
			return nil, nil, err
		}
		factory = index.BoltFactory(config.VaultDir(rootDir))
	}

	client := index.NewClient(factory, recorder, logger)
	if secret := os.Getenv(keyEnv); secret != "" {
		client.UseKeySource(func(name string) ([]byte, error) {
			sum := sha256.Sum256([]byte(secret + ":" + name))
			return sum[:], nil
		})
	}
	closers = append(closers, func() { client.Close() })

	auditLog, err := audit.New(cfg.Audit.LogDir, audit.NewSlogAlerter(logger), logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to open audit trail: %w", err)
	}
	closers = append(closers, func() { auditLog.Close() })

	return usecase.New(anon, embedder, client, auditLog, logger), cleanup, nil
}

func newEmbedder(cfg config.EmbeddingConfig) (port.Embedder, func(), error) {
	var (
		embedder port.Embedder
		err      error
	)
	switch cfg.Provider {
	case "openai":
		embedder, err = embedding.NewOpenAIEmbedder(cfg.APIKeyEnv, cfg.Model, cfg.BatchSize)
	case "ollama":
		embedder, err = embedding.NewOllamaEmbedder(cfg.Model, cfg.BaseURL, cfg.BatchSize)
	case "local", "":
		embedder = embedding.NewLocalEmbedder(cfg.Dimension)
	default:
		err = fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, nil, err
	}

	if !cfg.Cache {
		return embedder, nil, nil
	}
	cache, err := embedding.NewCache(config.CacheDBPath(rootDir))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open embedding cache: %w", err)
	}
	return embedding.NewCachedEmbedder(embedder, cache, logger), func() { cache.Close() }, nil
}

// attachIndex points the pipeline at the configured index without
// ingesting, creating an empty one if nothing is persisted yet.
func attachIndex(p *usecase.Pipeline) error {
	metric := domain.Metric(cfg.Index.Metric)
	if existing, ok := p.Client().Get(cfg.Index.Name); ok {
		p.UseIndex(existing)
		return nil
	}
	idx, err := p.Client().CreateIndex(cfg.Index.Name, p.Embedder().Dimension(), metric, false)
	if err != nil {
		return err
	}
	p.UseIndex(idx)
	return nil
}
