package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the vault pipeline.
type Config struct {
	Anonymizer AnonymizerConfig `yaml:"anonymizer"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Index      IndexConfig      `yaml:"index"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AnonymizerConfig holds redaction configuration.
type AnonymizerConfig struct {
	Policy  string   `yaml:"policy"`  // "none", "strict", "custom"
	Classes []string `yaml:"classes"` // pattern classes for "custom"
	Salt    string   `yaml:"salt"`    // must stay fixed across runs
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`    // "openai", "ollama", "local"
	Model     string `yaml:"model"`       // e.g. "text-embedding-3-small"
	APIKeyEnv string `yaml:"api_key_env"` // environment variable for API key
	BaseURL   string `yaml:"base_url"`    // for ollama / compatible backends
	Dimension int    `yaml:"dimension"`   // used by the local provider
	BatchSize int    `yaml:"batch_size"`
	Cache     bool   `yaml:"cache"`
}

// IndexConfig holds encrypted index configuration.
type IndexConfig struct {
	Name    string `yaml:"name"`
	Metric  string `yaml:"metric"`  // "cosine", "euclidean", "dot"
	Backend string `yaml:"backend"` // "bolt", "memory"
}

// IngestConfig holds ingestion configuration.
type IngestConfig struct {
	Includes   []string `yaml:"includes"`
	Excludes   []string `yaml:"excludes"`
	IDColumn   string   `yaml:"id_column"`
	TextColumn string   `yaml:"text_column"`
	BatchSize  int      `yaml:"batch_size"`
	Workers    int      `yaml:"workers"`
	SkipEmpty  bool     `yaml:"skip_empty"`
	MaxRetries int      `yaml:"max_retries"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	LogDir string `yaml:"log_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Anonymizer: AnonymizerConfig{
			Policy: "strict",
			Salt:   "medvault_salt",
		},
		Embedding: EmbeddingConfig{
			Provider:  "local",
			Model:     "text-embedding-3-small",
			APIKeyEnv: "OPENAI_API_KEY",
			BaseURL:   "http://localhost:11434",
			Dimension: 384,
			BatchSize: 100,
			Cache:     true,
		},
		Index: IndexConfig{
			Name:    "records",
			Metric:  "cosine",
			Backend: "bolt",
		},
		Ingest: IngestConfig{
			Includes:   []string{"**/*.csv"},
			Excludes:   []string{"**/.*/**"},
			IDColumn:   "record_id",
			TextColumn: "clinical_summary",
			BatchSize:  50,
			Workers:    4,
			SkipEmpty:  true,
			MaxRetries: 3,
		},
		Audit: AuditConfig{
			LogDir: "logs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for
// medvault.yaml, then .medvault/config.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "medvault.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".medvault", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// VaultDir returns the state directory holding index and cache files.
func VaultDir(dir string) string {
	return filepath.Join(dir, ".medvault")
}

// CacheDBPath returns the path to the embedding cache database.
func CacheDBPath(dir string) string {
	return filepath.Join(VaultDir(dir), "embeddings.db")
}

// EnsureVaultDir ensures the state directory exists.
func EnsureVaultDir(dir string) error {
	return os.MkdirAll(VaultDir(dir), 0755)
}
