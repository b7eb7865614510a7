// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv          string `env:"APP_ENV" envDefault:"dev"`
	ServiceName     string `env:"OTEL_SERVICE_NAME" envDefault:"codegraph"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`
	DBPath          string `env:"DB_PATH" envDefault:"codegraph.db"`
	RedisURL        string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Neo4jURI        string `env:"NEO4J_URI" envDefault:"bolt://localhost:7687"`
	Neo4jUser       string `env:"NEO4J_USER" envDefault:"neo4j"`
	Neo4jPassword   string `env:"NEO4J_PASSWORD"`
	Neo4jDatabase   string `env:"NEO4J_DATABASE" envDefault:"neo4j"`

	// Run scope
	TargetRoot      string   `env:"RUN_TARGET_ROOT"`
	IncludePatterns []string `env:"RUN_INCLUDE_PATTERNS" envSeparator:"," envDefault:"**/*"`
	ExcludePatterns []string `env:"RUN_EXCLUDE_PATTERNS" envSeparator:"," envDefault:"**/node_modules/**,**/.git/**,**/vendor/**"`

	// File handling
	FileMaxSizeBytes int64 `env:"FILE_MAX_SIZE_BYTES" envDefault:"10485760"`

	// LLM provider
	LLMAPIKey             string        `env:"LLM_API_KEY"`
	LLMBaseURL            string        `env:"LLM_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	LLMModel              string        `env:"LLM_MODEL" envDefault:"deepseek/deepseek-chat"`
	LLMConcurrency        int64         `env:"LLM_CONCURRENCY" envDefault:"4"`
	LLMContextBudget      int           `env:"LLM_CONTEXT_BUDGET_TOKENS" envDefault:"90000"`
	LLMMaxAttempts        int           `env:"LLM_MAX_ATTEMPTS" envDefault:"3"`
	LLMCallTimeout        time.Duration `env:"LLM_CALL_TIMEOUT" envDefault:"5m"`
	LLMBackoffInitial     time.Duration `env:"LLM_BACKOFF_INITIAL_MS" envDefault:"2s"`
	LLMBackoffFactor      float64       `env:"LLM_BACKOFF_FACTOR" envDefault:"2.0"`
	LLMBackoffCap         time.Duration `env:"LLM_BACKOFF_CAP_MS" envDefault:"30s"`
	LLMBackoffMaxElapsed  time.Duration `env:"LLM_BACKOFF_MAX_ELAPSED" envDefault:"180s"`

	// Queue
	QueueDefaultAttempts int           `env:"QUEUE_DEFAULT_ATTEMPTS" envDefault:"3"`
	QueueStalledInterval time.Duration `env:"QUEUE_STALLED_INTERVAL_MS" envDefault:"30s"`
	QueueLockDuration    time.Duration `env:"QUEUE_LOCK_DURATION_MS" envDefault:"30m"`
	QueueConnectInitial  time.Duration `env:"QUEUE_CONNECT_INITIAL" envDefault:"1s"`
	QueueConnectCap      time.Duration `env:"QUEUE_CONNECT_CAP" envDefault:"30s"`
	WorkerConcurrency    int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	ShutdownGrace        time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	// Outbox
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL_MS" envDefault:"500ms"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"500"`

	// Triangulation
	TriangulationBoost      float64       `env:"TRIANGULATION_AGREEMENT_BOOST" envDefault:"0.2"`
	TriangulationPenalty    float64       `env:"TRIANGULATION_DISAGREEMENT_PENALTY" envDefault:"0.5"`
	TriangulationThreshold  float64       `env:"TRIANGULATION_THRESHOLD" envDefault:"0.6"`
	TriangulationSealGrace  time.Duration `env:"TRIANGULATION_SEAL_GRACE" envDefault:"5m"`
	DeterministicPass       bool          `env:"DETERMINISTIC_PASS" envDefault:"true"`
	WeightDeterministic     float64       `env:"TRIANGULATION_WEIGHT_DETERMINISTIC" envDefault:"1.0"`
	WeightGlobal            float64       `env:"TRIANGULATION_WEIGHT_GLOBAL" envDefault:"0.8"`
	WeightIntraDir          float64       `env:"TRIANGULATION_WEIGHT_INTRA_DIR" envDefault:"0.6"`
	WeightIntraFile         float64       `env:"TRIANGULATION_WEIGHT_INTRA_FILE" envDefault:"0.4"`

	// Graph builder
	GraphBatchSize int `env:"GRAPH_BATCH_SIZE" envDefault:"500"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetLLMBackoffConfig returns backoff settings appropriate for the current
// environment. Test environments use much shorter timeouts.
func (c Config) GetLLMBackoffConfig() (maxElapsed, initial, cap time.Duration, factor float64) {
	if c.IsTest() {
		return 5 * time.Second, 100 * time.Millisecond, time.Second, 2.0
	}
	return c.LLMBackoffMaxElapsed, c.LLMBackoffInitial, c.LLMBackoffCap, c.LLMBackoffFactor
}

// Triangulation assembles the reconciliation configuration.
func (c Config) Triangulation() domain.TriangulationConfig {
	return domain.TriangulationConfig{
		AgreementBoost:      c.TriangulationBoost,
		DisagreementPenalty: c.TriangulationPenalty,
		Threshold:           c.TriangulationThreshold,
		PassWeights: map[domain.Pass]float64{
			domain.PassDeterministic: c.WeightDeterministic,
			domain.PassGlobal:        c.WeightGlobal,
			domain.PassIntraDir:      c.WeightIntraDir,
			domain.PassIntraFile:     c.WeightIntraFile,
		},
	}
}
