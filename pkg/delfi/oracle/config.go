// Package oracle – config.go defines the daemon configuration surface:
// one YAML file covering the node identity, the answer engine, the
// radio link, and the optional memory/board/mesh-knowledge features.
package oracle

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/delfinet/delfi/pkg/delfi/knowledge"
	"github.com/delfinet/delfi/pkg/delfi/mesh"
)

// minResponseBytes is the smallest usable frame budget. Below this a
// chunk cannot hold a sentence plus the continuation marker.
const minResponseBytes = 50

// Config is the full delfid configuration.
type Config struct {
	// NodeName identifies this node in responses and gossip. Required.
	NodeName string `yaml:"node_name"`

	// Model is the Ollama model used for generation.
	Model string `yaml:"model"`

	// Personality is folded into the system prompt.
	Personality string `yaml:"personality"`

	// KnowledgeFolder holds the operator's .txt/.md documents.
	KnowledgeFolder string `yaml:"knowledge_folder"`

	// DataDir holds the sqlite database, the gossip directory and the
	// default fact feed.
	DataDir string `yaml:"data_dir"`

	// MaxResponseBytes is the outbound frame budget. LoRa direct
	// messages top out around 230 bytes.
	MaxResponseBytes int `yaml:"max_response_bytes"`

	// RateLimitSeconds is the per-sender gap between freeform queries.
	// Commands are never rate limited. 0 disables the limiter.
	RateLimitSeconds int `yaml:"rate_limit_seconds"`

	// ResponseCacheTTL is how long an answered query is replayed from
	// cache, in seconds.
	ResponseCacheTTL int `yaml:"response_cache_ttl"`

	// AutoSendChunks is how many chunks of a long answer are pushed
	// before the sender has to ask for !more.
	AutoSendChunks int `yaml:"auto_send_chunks"`

	// BusyNotice controls the "hang tight" acknowledgment senders get
	// while another query is being answered.
	BusyNotice bool `yaml:"busy_notice"`

	// EmbeddingModel is the Ollama model used for retrieval embeddings.
	EmbeddingModel string `yaml:"embedding_model"`

	// OllamaHost is the Ollama base URL.
	OllamaHost string `yaml:"ollama_host"`

	// OllamaTimeout bounds one generation call, in seconds.
	OllamaTimeout int `yaml:"ollama_timeout"`

	// NumCtx is the model context window in tokens.
	NumCtx int `yaml:"num_ctx"`

	// NumPredict caps generated tokens per answer. Small values keep
	// answers inside a handful of frames.
	NumPredict int `yaml:"num_predict"`

	// Radio selects and configures the mesh adapter.
	Radio mesh.Config `yaml:"radio"`

	// Logging configures slog output.
	Logging LoggingConfig `yaml:"logging"`

	// MemoryMaxTurns enables per-sender conversation memory when > 0.
	MemoryMaxTurns int `yaml:"memory_max_turns"`

	// MemoryTTL expires a conversation after this many seconds of
	// inactivity.
	MemoryTTL int `yaml:"memory_ttl"`

	// PersistentMemory keeps conversation turns in sqlite across
	// restarts.
	PersistentMemory bool `yaml:"persistent_memory"`

	// BoardEnabled turns on the community message board.
	BoardEnabled bool `yaml:"board_enabled"`

	// BoardMaxPosts caps stored posts; oldest roll off first.
	BoardMaxPosts int `yaml:"board_max_posts"`

	// BoardPostTTL expires posts after this many seconds.
	BoardPostTTL int `yaml:"board_post_ttl"`

	// BoardShowCount is how many posts !board lists at a time.
	BoardShowCount int `yaml:"board_show_count"`

	// BoardPersist keeps posts in sqlite across restarts.
	BoardPersist bool `yaml:"board_persist"`

	// BoardRateLimit caps posts per sender per BoardRateWindow seconds.
	BoardRateLimit int `yaml:"board_rate_limit"`

	// BoardRateWindow is the posting rate window in seconds.
	BoardRateWindow int `yaml:"board_rate_window"`

	// BoardBlockedPatterns are extra regex patterns rejected from
	// posts, on top of the built-in injection filter.
	BoardBlockedPatterns []string `yaml:"board_blocked_patterns"`

	// FactFeedFile overrides the sensor feed location. Empty means
	// <data_dir>/sensor_feed.json.
	FactFeedFile string `yaml:"fact_feed_file"`

	// FactKeywords gates the fact feed: a query must contain one of
	// these before sensor readings are matched. Empty disables the
	// feed for queries.
	FactKeywords []string `yaml:"fact_keywords"`

	// MeshKnowledge configures peer trust, gossip and sync.
	MeshKnowledge knowledge.Config `yaml:"mesh_knowledge"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("text", "json").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default daemon configuration. Everything
// optional starts off; a bare config with just node_name answers
// questions from local docs and nothing more.
func DefaultConfig() *Config {
	return &Config{
		Model:            "qwen3:4b",
		Personality:      "Helpful and concise community assistant.",
		KnowledgeFolder:  "~/del-fi/knowledge",
		DataDir:          "~/del-fi/data",
		MaxResponseBytes: 230,
		RateLimitSeconds: 30,
		ResponseCacheTTL: 300,
		AutoSendChunks:   3,
		BusyNotice:       true,
		EmbeddingModel:   "nomic-embed-text",
		OllamaHost:       "http://localhost:11434",
		OllamaTimeout:    120,
		NumCtx:           2048,
		NumPredict:       128,
		Radio:            mesh.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		MemoryMaxTurns:  0,
		MemoryTTL:       3600,
		BoardEnabled:    false,
		BoardMaxPosts:   50,
		BoardPostTTL:    86400,
		BoardShowCount:  5,
		BoardPersist:    true,
		BoardRateLimit:  3,
		BoardRateWindow: 3600,
		MeshKnowledge:   knowledge.DefaultConfig(),
	}
}

// Validate reports every problem with the configuration at once.
// An invalid config is the one fatal startup error.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.NodeName) == "" {
		problems = append(problems, "node_name is required")
	}
	if c.MaxResponseBytes < minResponseBytes {
		problems = append(problems,
			fmt.Sprintf("max_response_bytes must be at least %d", minResponseBytes))
	}
	if c.RateLimitSeconds < 0 {
		problems = append(problems, "rate_limit_seconds cannot be negative")
	}
	if c.OllamaTimeout < 1 {
		problems = append(problems, "ollama_timeout must be at least 1 second")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems,
			fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ---------- Derived values ----------

// RateLimit returns the per-sender query gap as a duration.
func (c *Config) RateLimit() time.Duration {
	return time.Duration(c.RateLimitSeconds) * time.Second
}

// CacheTTL returns the response cache lifetime as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.ResponseCacheTTL) * time.Second
}

// GenerateTimeout returns the per-generation deadline as a duration.
func (c *Config) GenerateTimeout() time.Duration {
	return time.Duration(c.OllamaTimeout) * time.Second
}

// FactFeedPath returns the sensor feed location, applying the
// data-dir default when no override is configured.
func (c *Config) FactFeedPath() string {
	if c.FactFeedFile != "" {
		return c.FactFeedFile
	}
	return filepath.Join(c.DataDir, "sensor_feed.json")
}

// DatabasePath returns the sqlite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "delfi.db")
}

// MeshConfigured reports whether any mesh-knowledge feature is on.
// When false, DEL-FI control frames are treated as ordinary queries
// and mesh commands answer with a hint instead.
func (c *Config) MeshConfigured() bool {
	mk := c.MeshKnowledge
	return mk.Gossip.Enabled || len(mk.Peers) > 0 || mk.Sync.Enabled
}
