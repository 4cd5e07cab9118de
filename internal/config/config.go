package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"revspec/internal/ai"
	"revspec/internal/heuristic"
	"revspec/internal/knowledge"
)

type ConfidenceConfig struct {
	LowConfidence       float64 `yaml:"low_confidence"`
	HeuristicCap        float64 `yaml:"heuristic_cap"`
	AICap               float64 `yaml:"ai_cap"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	PatternBoost        float64 `yaml:"pattern_boost"`
}

type AIConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	TopK              int           `yaml:"top_k"`
	MinSimilarity     float64       `yaml:"min_similarity"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Dimension int    `yaml:"dimension"`
}

type RepositoryConfig struct {
	Driver     string        `yaml:"driver"`
	Path       string        `yaml:"path"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// AbortAfter is the number of consecutive files failing on the repository before dispatch stops.
	AbortAfter int `yaml:"abort_after"`
}

type DialectConfig struct {
	Enabled    *bool    `yaml:"enabled"`
	Extensions []string `yaml:"extensions"`
}

type OutputConfig struct {
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"`
	Report string `yaml:"report"`
}

// RunConfig is everything one batch run needs.
type RunConfig struct {
	Workers     int                      `yaml:"workers"`
	FileTimeout time.Duration            `yaml:"file_timeout"`
	Confidence  ConfidenceConfig         `yaml:"confidence"`
	AI          AIConfig                 `yaml:"ai"`
	Embedding   EmbeddingConfig          `yaml:"embedding"`
	Repository  RepositoryConfig         `yaml:"repository"`
	Dialects    map[string]DialectConfig `yaml:"dialects"`
	Output      OutputConfig             `yaml:"output"`
}

func Default() RunConfig {
	return RunConfig{
		Workers:     runtime.NumCPU(),
		FileTimeout: 30 * time.Second,
		Confidence: ConfidenceConfig{
			LowConfidence:       0.85,
			HeuristicCap:        0.98,
			AICap:               0.75,
			SimilarityThreshold: 0.8,
			PatternBoost:        0.25,
		},
		AI: AIConfig{
			Timeout:           20 * time.Second,
			RequestsPerMinute: 60,
			TopK:              3,
			MinSimilarity:     0.5,
		},
		Embedding: EmbeddingConfig{Provider: "hash"},
		Repository: RepositoryConfig{
			Driver:     "sqlite3",
			Path:       "revspec.db",
			Retries:    2,
			RetryDelay: 250 * time.Millisecond,
			AbortAfter: 5,
		},
		Dialects: map[string]DialectConfig{
			"plpgsql":    {Extensions: []string{".sql", ".pgsql", ".plpgsql"}},
			"python":     {Extensions: []string{".py"}},
			"typescript": {Extensions: []string{".ts", ".tsx"}},
			"javascript": {Extensions: []string{".js", ".mjs", ".cjs"}},
			"rust":       {Extensions: []string{".rs"}},
			"java":       {Extensions: []string{".java"}},
			"go":         {Extensions: []string{".go"}},
		},
		Output: OutputConfig{Dir: "specs", Format: "yaml", Report: "revspec-report.json"},
	}
}

// LoadConfig reads .env, then the YAML file over the defaults, then REVSPEC_* overrides.
// A missing file yields the defaults.
func LoadConfig(path string) (*RunConfig, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		file, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(file, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *RunConfig) error {
	if apiKey := os.Getenv("REVSPEC_API_KEY"); apiKey != "" {
		cfg.AI.APIKey = apiKey
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = apiKey
		}
	}
	if provider := os.Getenv("REVSPEC_AI_PROVIDER"); provider != "" {
		cfg.AI.Provider = provider
	}
	if provider := os.Getenv("REVSPEC_EMBEDDING_PROVIDER"); provider != "" {
		cfg.Embedding.Provider = provider
	}
	if path := os.Getenv("REVSPEC_DB_PATH"); path != "" {
		cfg.Repository.Path = path
	}
	if v := os.Getenv("REVSPEC_AI_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REVSPEC_AI_ENABLED: %w", err)
		}
		cfg.AI.Enabled = b
	}
	if v := os.Getenv("REVSPEC_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REVSPEC_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	return nil
}

// Validate rejects values the pipeline cannot run with.
func (c *RunConfig) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	unit("confidence.low_confidence", c.Confidence.LowConfidence)
	unit("confidence.heuristic_cap", c.Confidence.HeuristicCap)
	unit("confidence.ai_cap", c.Confidence.AICap)
	unit("confidence.similarity_threshold", c.Confidence.SimilarityThreshold)
	unit("confidence.pattern_boost", c.Confidence.PatternBoost)
	unit("ai.min_similarity", c.AI.MinSimilarity)
	if c.Confidence.AICap > c.Confidence.HeuristicCap {
		errs = append(errs, fmt.Errorf("confidence.ai_cap (%v) must not exceed confidence.heuristic_cap (%v)", c.Confidence.AICap, c.Confidence.HeuristicCap))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.FileTimeout < 0 || c.AI.Timeout < 0 || c.Repository.RetryDelay < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Repository.Retries < 0 || c.Repository.AbortAfter < 0 {
		errs = append(errs, errors.New("repository.retries and repository.abort_after must not be negative"))
	}
	switch c.Repository.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("repository.driver must be sqlite3 or sqlite, got %q", c.Repository.Driver))
	}
	switch c.Output.Format {
	case "yaml", "json":
	default:
		errs = append(errs, fmt.Errorf("output.format must be yaml or json, got %q", c.Output.Format))
	}
	if c.AI.Enabled && strings.TrimSpace(c.AI.Provider) == "" {
		errs = append(errs, errors.New("ai.provider is required when ai.enabled is set"))
	}
	return errors.Join(errs...)
}

// WorkerCount resolves the configured pool size; zero means one worker per CPU.
func (c *RunConfig) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// Extensions maps file extensions onto enabled dialect names.
func (c *RunConfig) Extensions() map[string]string {
	out := map[string]string{}
	for name, d := range c.Dialects {
		if d.Enabled != nil && !*d.Enabled {
			continue
		}
		for _, ext := range d.Extensions {
			ext = strings.ToLower(ext)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			out[ext] = name
		}
	}
	return out
}

func (c *RunConfig) HeuristicConfig() heuristic.Config {
	return heuristic.Config{
		LowConfidence:       c.Confidence.LowConfidence,
		Cap:                 c.Confidence.HeuristicCap,
		SimilarityThreshold: c.Confidence.SimilarityThreshold,
		PatternBoost:        c.Confidence.PatternBoost,
	}
}

func (c *RunConfig) AIOptions() ai.Options {
	return ai.Options{
		Threshold:         c.Confidence.LowConfidence,
		Cap:               c.Confidence.AICap,
		Timeout:           c.AI.Timeout,
		RequestsPerMinute: c.AI.RequestsPerMinute,
		TopK:              c.AI.TopK,
		MinSimilarity:     c.AI.MinSimilarity,
	}
}

func (c *RunConfig) EmbedderOptions() knowledge.Options {
	return knowledge.Options{
		Provider:  c.Embedding.Provider,
		APIKey:    c.Embedding.APIKey,
		Model:     c.Embedding.Model,
		Dimension: c.Embedding.Dimension,
		BaseURL:   c.Embedding.BaseURL,
	}
}

func (c *RunConfig) TransportOptions() knowledge.Options {
	return knowledge.Options{
		Provider: c.AI.Provider,
		APIKey:   c.AI.APIKey,
		Model:    c.AI.Model,
		BaseURL:  c.AI.BaseURL,
	}
}
