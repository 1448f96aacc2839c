package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v3"
)

// OpenAIConfig configures the OpenAI-compatible chat provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Model is the primary chat completion model.
	Model string `yaml:"model"`
	// DecompositionModel serves intent classification and sub-query
	// generation; may be a smaller model. Falls back to Model when empty.
	DecompositionModel string `yaml:"decomposition_model"`
}

// AnthropicConfig configures the optional Anthropic provider.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// EmbeddingsConfig configures the embedding endpoint used by the archive.
type EmbeddingsConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// BufferConfig tunes the per-node message buffer and rolling summarizer.
type BufferConfig struct {
	MaxTurns       int `yaml:"max_turns"`
	StartThreshold int `yaml:"summarization_start_threshold"`
	Interval       int `yaml:"summarization_interval"`
}

// RetrievalConfig tunes archive retrieval.
type RetrievalConfig struct {
	WindowSeconds  float64 `yaml:"window_seconds"`
	TopK           int     `yaml:"top_k"`
	PerSubQuery    int     `yaml:"top_k_per_subquery"`
	EnabledDefault bool    `yaml:"enabled_default"`
}

// ArchiveConfig locates the durable archive stores.
type ArchiveConfig struct {
	// Path is the directory holding the metadata database.
	Path string `yaml:"path"`
	// QdrantURL points at the vector index (gRPC port). Empty selects the
	// in-process store, which is not durable.
	QdrantURL string `yaml:"qdrant_url"`
	// Collection names the qdrant collection.
	Collection string `yaml:"collection"`
}

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`
	// Provider selects the chat backend: "openai", "anthropic" or "echo".
	Provider string `yaml:"provider"`
	// MaxConcurrentTurns bounds in-flight LM calls; excess requests get 503.
	MaxConcurrentTurns int `yaml:"max_concurrent_turns"`

	OpenAI     OpenAIConfig     `yaml:"openai"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// Load reads configuration from environment variables (optionally .env),
// then merges an optional YAML file named by ARBOR_CONFIG, then applies
// defaults. Env values win over YAML so deployments can override a checked-in
// config file per-variable.
func Load() (Config, error) {
	// Use Overload so .env values override existing OS environment variables;
	// local configuration deterministically controls development runs.
	_ = godotenv.Overload()

	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("ARBOR_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("ARBOR_HOST")); v != "" {
		cfg.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("ARBOR_PORT")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Port = n
		}
	}
	cfg.LogPath = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_PATH")), cfg.LogPath)
	cfg.LogLevel = firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), cfg.LogLevel)
	if v := strings.TrimSpace(os.Getenv("LLM_PROVIDER")); v != "" {
		cfg.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("MAX_CONCURRENT_TURNS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.MaxConcurrentTurns = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")), strings.TrimSpace(os.Getenv("OPENAI_API_BASE_URL"))); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_MODEL")); v != "" {
		cfg.OpenAI.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("DECOMPOSITION_MODEL")); v != "" {
		cfg.OpenAI.DecompositionModel = v
	}

	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.Anthropic.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")); v != "" {
		cfg.Anthropic.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")); v != "" {
		cfg.Anthropic.Model = v
	}

	if v := strings.TrimSpace(os.Getenv("EMBEDDINGS_BASE_URL")); v != "" {
		cfg.Embeddings.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EMBEDDINGS_API_KEY")); v != "" {
		cfg.Embeddings.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL")); v != "" {
		cfg.Embeddings.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("EMBEDDING_DIMENSIONS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Embeddings.Dimensions = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("BUFFER_MAX_TURNS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Buffer.MaxTurns = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SUMMARY_START_THRESHOLD")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Buffer.StartThreshold = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SUMMARY_INTERVAL")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Buffer.Interval = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("RETRIEVAL_WINDOW_SECONDS")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Retrieval.WindowSeconds = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETRIEVAL_TOP_K")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Retrieval.TopK = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETRIEVAL_TOP_K_PER_SUBQUERY")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Retrieval.PerSubQuery = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RETRIEVAL_ENABLED")); v != "" {
		cfg.Retrieval.EnabledDefault = parseBool(v)
	}

	if v := strings.TrimSpace(os.Getenv("ARCHIVE_PATH")); v != "" {
		cfg.Archive.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("QDRANT_URL")); v != "" {
		cfg.Archive.QdrantURL = v
	}
	if v := strings.TrimSpace(os.Getenv("QDRANT_COLLECTION")); v != "" {
		cfg.Archive.Collection = v
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port <= 0 {
		cfg.Port = 8321
	}
	if cfg.Provider == "" {
		if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
			cfg.Provider = "openai"
		} else if cfg.Anthropic.APIKey != "" {
			cfg.Provider = "anthropic"
		} else {
			cfg.Provider = "echo"
		}
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = 32
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.OpenAI.DecompositionModel == "" {
		cfg.OpenAI.DecompositionModel = cfg.OpenAI.Model
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "nomic-embed-text-v1.5"
	}
	if cfg.Embeddings.Dimensions <= 0 {
		cfg.Embeddings.Dimensions = 384
	}
	if cfg.Buffer.MaxTurns <= 0 {
		cfg.Buffer.MaxTurns = 15
	}
	if cfg.Buffer.StartThreshold <= 0 {
		cfg.Buffer.StartThreshold = 15
	}
	if cfg.Buffer.Interval <= 0 {
		cfg.Buffer.Interval = 5
	}
	if cfg.Retrieval.WindowSeconds <= 0 {
		cfg.Retrieval.WindowSeconds = 60
	}
	if cfg.Retrieval.TopK <= 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.PerSubQuery <= 0 {
		cfg.Retrieval.PerSubQuery = 5
	}
	if cfg.Archive.Path == "" {
		cfg.Archive.Path = "./data/archive"
	}
	if cfg.Archive.Collection == "" {
		cfg.Archive.Collection = "arbor_archive"
	}
}

func validate(cfg Config) error {
	if cfg.Buffer.MaxTurns < 1 {
		return fmt.Errorf("buffer max_turns must be >= 1")
	}
	if cfg.Buffer.StartThreshold < 1 || cfg.Buffer.Interval < 1 {
		return fmt.Errorf("summarization thresholds must be >= 1")
	}
	// Small buffers are legal but summarization can only ever see live turns;
	// warn rather than silently raising the capacity.
	if cfg.Buffer.MaxTurns < cfg.Buffer.StartThreshold {
		log.Warn().
			Int("max_turns", cfg.Buffer.MaxTurns).
			Int("start_threshold", cfg.Buffer.StartThreshold).
			Msg("buffer smaller than summarization threshold; summaries will cover live turns only")
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai", "anthropic", "echo":
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	return nil
}

func parseInt(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	return n, nil
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
