// Package config loads meterscan configuration. Values are layered:
// built-in defaults, then an optional YAML file, then a .env file, then the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the YAML path.
const EnvConfigPath = "METERSCAN_CONFIG"

// Provider backends.
const (
	ProviderOllama  = "ollama"
	ProviderBedrock = "bedrock"
)

// Store backends.
const (
	BackendQdrant = "qdrant"
	BackendMemory = "memory"
)

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        string `yaml:"port"`
	CORSOrigin  string `yaml:"cors_origin"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	URL         string `yaml:"url"`
	EmbedModel  string `yaml:"embed_model"`
	ChatModel   string `yaml:"chat_model"`
	VisionModel string `yaml:"vision_model"`
	Dimension   int    `yaml:"dimension"`
}

// BedrockConfig configures the AWS Bedrock provider.
type BedrockConfig struct {
	Region      string `yaml:"region"`
	VisionModel string `yaml:"vision_model"`
	TextModel   string `yaml:"text_model"`
	EmbedModel  string `yaml:"embed_model"`
	Dimension   int    `yaml:"dimension"`
}

// StoreConfig configures the vector store.
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	QdrantURL  string `yaml:"qdrant_url"`
	Collection string `yaml:"collection"`
	Distance   string `yaml:"distance"`

	// Wait makes qdrant upserts block until the points are indexed.
	Wait bool `yaml:"wait"`
}

// GraphConfig configures the Neo4j premise ledger.
type GraphConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	Database string `yaml:"database"`
}

// NATSConfig configures messaging.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// RAGConfig configures question answering.
type RAGConfig struct {
	TopK     int  `yaml:"top_k"`
	UseGraph bool `yaml:"use_graph"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	Server   ServerConfig  `yaml:"server"`
	Ollama   OllamaConfig  `yaml:"ollama"`
	Bedrock  BedrockConfig `yaml:"bedrock"`
	Store    StoreConfig   `yaml:"store"`
	Graph    GraphConfig   `yaml:"graph"`
	NATS     NATSConfig    `yaml:"nats"`
	RAG      RAGConfig     `yaml:"rag"`
	Log      LogConfig     `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Provider: ProviderOllama,
		Server:   ServerConfig{Port: "8080", CORSOrigin: "*", MaxUploadMB: 10},
		Ollama: OllamaConfig{
			URL:         "http://localhost:11434",
			EmbedModel:  "nomic-embed-text",
			ChatModel:   "llama3.2",
			VisionModel: "llava",
			Dimension:   768,
		},
		Bedrock: BedrockConfig{
			Region:      "us-east-1",
			VisionModel: "anthropic.claude-3-haiku-20240307-v1:0",
			TextModel:   "anthropic.claude-3-haiku-20240307-v1:0",
			EmbedModel:  "amazon.titan-embed-text-v2:0",
			Dimension:   1024,
		},
		Store: StoreConfig{
			Backend:    BackendQdrant,
			QdrantURL:  "localhost:6334",
			Collection: "water_meters",
			Distance:   "cosine",
			Wait:       true,
		},
		Graph: GraphConfig{
			URL:      "neo4j://localhost:7687",
			User:     "neo4j",
			Pass:     "password",
			Database: "neo4j",
		},
		NATS: NATSConfig{URL: "nats://localhost:4222"},
		RAG:  RAGConfig{TopK: 5, UseGraph: true},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. path names an optional YAML file; when
// empty, METERSCAN_CONFIG is consulted. envFiles default to ".env"; a
// missing env file is not an error, a missing YAML file that was asked for
// is.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(c *Config) {
	c.Provider = envOr("PROVIDER", c.Provider)

	c.Server.Port = envOr("PORT", c.Server.Port)
	c.Server.CORSOrigin = envOr("CORS_ORIGIN", c.Server.CORSOrigin)
	c.Server.MaxUploadMB = envInt("MAX_UPLOAD_MB", c.Server.MaxUploadMB)

	c.Ollama.URL = envOr("OLLAMA_URL", c.Ollama.URL)
	c.Ollama.EmbedModel = envOr("OLLAMA_EMBED_MODEL", c.Ollama.EmbedModel)
	c.Ollama.ChatModel = envOr("OLLAMA_CHAT_MODEL", c.Ollama.ChatModel)
	c.Ollama.VisionModel = envOr("OLLAMA_VISION_MODEL", c.Ollama.VisionModel)
	c.Ollama.Dimension = envInt("OLLAMA_EMBED_DIMENSION", c.Ollama.Dimension)

	c.Bedrock.Region = envOr("AWS_REGION", c.Bedrock.Region)
	c.Bedrock.VisionModel = envOr("BEDROCK_VISION_MODEL", c.Bedrock.VisionModel)
	c.Bedrock.TextModel = envOr("BEDROCK_TEXT_MODEL", c.Bedrock.TextModel)
	c.Bedrock.EmbedModel = envOr("BEDROCK_EMBED_MODEL", c.Bedrock.EmbedModel)
	c.Bedrock.Dimension = envInt("BEDROCK_EMBED_DIMENSION", c.Bedrock.Dimension)

	c.Store.Backend = envOr("VECTOR_BACKEND", c.Store.Backend)
	c.Store.QdrantURL = envOr("QDRANT_URL", c.Store.QdrantURL)
	c.Store.Collection = envOr("QDRANT_COLLECTION", c.Store.Collection)
	c.Store.Distance = envOr("QDRANT_DISTANCE", c.Store.Distance)
	c.Store.Wait = envBool("QDRANT_WAIT", c.Store.Wait)

	c.Graph.Enabled = envBool("GRAPH_ENABLED", c.Graph.Enabled)
	c.Graph.URL = envOr("NEO4J_URL", c.Graph.URL)
	c.Graph.User = envOr("NEO4J_USER", c.Graph.User)
	c.Graph.Pass = envOr("NEO4J_PASS", c.Graph.Pass)
	c.Graph.Database = envOr("NEO4J_DATABASE", c.Graph.Database)

	c.NATS.Enabled = envBool("NATS_ENABLED", c.NATS.Enabled)
	c.NATS.URL = envOr("NATS_URL", c.NATS.URL)

	c.RAG.TopK = envInt("RAG_TOP_K", c.RAG.TopK)
	c.RAG.UseGraph = envBool("RAG_USE_GRAPH", c.RAG.UseGraph)

	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("LOG_FORMAT", c.Log.Format)
}

// Validate rejects configurations no component could run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderOllama, ProviderBedrock:
	default:
		errs = append(errs, fmt.Errorf("provider %q is not one of ollama, bedrock", c.Provider))
	}
	switch c.Store.Backend {
	case BackendQdrant, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store backend %q is not one of qdrant, memory", c.Store.Backend))
	}
	if c.Store.Collection == "" {
		errs = append(errs, errors.New("store collection must not be empty"))
	}
	if c.Dimension() <= 0 {
		errs = append(errs, fmt.Errorf("embedding dimension must be positive, got %d", c.Dimension()))
	}
	if c.RAG.TopK <= 0 {
		errs = append(errs, fmt.Errorf("rag top_k must be positive, got %d", c.RAG.TopK))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("server max_upload_mb must be positive, got %d", c.Server.MaxUploadMB))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Dimension is the embedding size of the selected provider.
func (c Config) Dimension() int {
	if c.Provider == ProviderBedrock {
		return c.Bedrock.Dimension
	}
	return c.Ollama.Dimension
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}
