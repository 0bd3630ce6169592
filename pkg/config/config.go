package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yml"

type FirecrawlConfig struct {
	APIURL         string   `yaml:"api_url"`
	APIKey         string   `yaml:"api_key"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	RateLimit      float64  `yaml:"rate_limit"`
	Formats        []string `yaml:"formats"`
}

type RAGFlowConfig struct {
	APIURL          string `yaml:"api_url"`
	APIKey          string `yaml:"api_key"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	MaxRetries      int    `yaml:"max_retries"`
	DocumentPerPage bool   `yaml:"document_per_page"`
}

type OutputConfig struct {
	Dir     string `yaml:"dir"`
	LogFile string `yaml:"log_file"`
}

type ProcessorConfig struct {
	MaxChunkSize int `yaml:"max_chunk_size"`
}

type PipelineConfig struct {
	Workers int     `yaml:"workers"`
	WaitMin float64 `yaml:"wait_min"`
	WaitMax float64 `yaml:"wait_max"`
}

type MirrorConfig struct {
	DatabaseURL string `yaml:"database_url"`
	TableName   string `yaml:"table_name"`
	VectorDim   int    `yaml:"vector_dim"`
	OllamaURL   string `yaml:"ollama_url"`
	EmbedModel  string `yaml:"embed_model"`
}

type Config struct {
	Firecrawl FirecrawlConfig `yaml:"firecrawl"`
	RAGFlow   RAGFlowConfig   `yaml:"ragflow"`
	Output    OutputConfig    `yaml:"output"`
	Processor ProcessorConfig `yaml:"processor"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Mirror    MirrorConfig    `yaml:"mirror"`
}

// ConfigError is fatal: it aborts the run before any page is crawled.
type ConfigError struct {
	Path   string
	Err    error
	Fields []ValidationError
}

func (e *ConfigError) Error() string {
	if len(e.Fields) > 0 {
		msg := fmt.Sprintf("invalid config %s:", e.Path)
		for _, f := range e.Fields {
			msg += " " + f.Error() + ";"
		}
		return msg
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig reads the YAML file at path (config.yml when empty), loads .env
// if one exists, and lets the environment fill in missing credentials.
// The returned config has not been validated.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("error reading config file: %w", err)}
	}

	// Seed defaults first so that only keys present in the file override them.
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("error parsing config file: %w", err)}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, &ConfigError{Path: ".env", Err: fmt.Errorf("error loading .env file: %w", err)}
		}
	}

	mergeWithEnv(config)

	return config, nil
}

// Default returns a config holding every optional default and no credentials.
func Default() *Config {
	return &Config{
		Firecrawl: FirecrawlConfig{
			TimeoutSeconds: 60,
			RateLimit:      1.0,
			Formats:        []string{"markdown", "html"},
		},
		RAGFlow: RAGFlowConfig{
			TimeoutSeconds:  30,
			MaxRetries:      2,
			DocumentPerPage: true,
		},
		Output: OutputConfig{
			LogFile: "crawl2rag.log",
		},
		Processor: ProcessorConfig{
			MaxChunkSize: 512,
		},
		Pipeline: PipelineConfig{
			Workers: 1,
			WaitMin: 3.0,
			WaitMax: 10.0,
		},
		Mirror: MirrorConfig{
			TableName:  "crawl2rag_chunks",
			VectorDim:  768,
			OllamaURL:  "http://localhost:11434",
			EmbedModel: "nomic-embed-text:latest",
		},
	}
}

func mergeWithEnv(config *Config) {
	// API keys: the file wins, the environment is a fallback.
	if config.Firecrawl.APIKey == "" {
		config.Firecrawl.APIKey = os.Getenv("FIRECRAWL_API_KEY")
	}
	if config.RAGFlow.APIKey == "" {
		config.RAGFlow.APIKey = os.Getenv("RAGFLOW_API_KEY")
	}

	if apiURL := os.Getenv("FIRECRAWL_API_URL"); apiURL != "" {
		config.Firecrawl.APIURL = apiURL
	}
	if apiURL := os.Getenv("RAGFLOW_API_URL"); apiURL != "" {
		config.RAGFlow.APIURL = apiURL
	}
	if dir := os.Getenv("CRAWL2RAG_OUTPUT_DIR"); dir != "" {
		config.Output.Dir = dir
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Mirror.DatabaseURL = dbURL
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.Mirror.OllamaURL = baseURL
	}
}

// Err folds the validation result into a single *ConfigError, or nil.
func (c *Config) Err(path string) error {
	fields := c.Validate()
	if len(fields) == 0 {
		return nil
	}
	return &ConfigError{Path: path, Fields: fields, Err: errors.New("validation failed")}
}

func (c *Config) FirecrawlTimeout() time.Duration {
	return time.Duration(c.Firecrawl.TimeoutSeconds) * time.Second
}

func (c *Config) RAGFlowTimeout() time.Duration {
	return time.Duration(c.RAGFlow.TimeoutSeconds) * time.Second
}

func (c *Config) MirrorEnabled() bool {
	return c.Mirror.DatabaseURL != ""
}
