package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the dashboard HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence for the version/experiment store.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls encryption-specific parameters.
type SecurityConfig struct {
	SecretEncryptionKey string `json:"secret_encryption_key" env:"SECRET_ENCRYPTION_KEY"`
}

// AuthConfig controls dashboard/rollback API authentication.
type AuthConfig struct {
	Tokens    []string   `json:"tokens"`
	JWTSecret string     `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Users     []UserSpec `json:"users"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

type UserSpec struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Thresholds is a {warn, critical} pair used for metric and resource
// threshold overrides.
type Thresholds struct {
	Warn     float64 `json:"warn" yaml:"warn"`
	Critical float64 `json:"critical" yaml:"critical"`
}

// EvolutionConfig controls the Continuous Evolution Service (evolution and
// training monitor loops), checkpointing policy, and regression/rollback
// defaults. Field names mirror the recognized configuration options.
type EvolutionConfig struct {
	EvolutionInterval     int                   `json:"evolution_interval" env:"EVOSEAL_EVOLUTION_INTERVAL"`
	TrainingInterval      int                   `json:"training_interval" env:"EVOSEAL_TRAINING_INTERVAL"`
	MinSamplesForTraining int                   `json:"min_samples_for_training" env:"EVOSEAL_MIN_SAMPLES_FOR_TRAINING"`
	MinSuccessfulRatio    float64               `json:"min_successful_ratio" env:"EVOSEAL_MIN_SUCCESSFUL_RATIO"`
	MinQualityForDeploy   float64               `json:"min_quality_for_deploy" env:"EVOSEAL_MIN_QUALITY_FOR_DEPLOY"`
	CheckpointDir         string                `json:"checkpoint_dir" env:"EVOSEAL_CHECKPOINT_DIR"`
	MaxCheckpoints        int                   `json:"max_checkpoints" env:"EVOSEAL_MAX_CHECKPOINTS"`
	AutoCheckpoint        bool                  `json:"auto_checkpoint" env:"EVOSEAL_AUTO_CHECKPOINT"`
	AutoRollback          bool                  `json:"auto_rollback" env:"EVOSEAL_AUTO_ROLLBACK"`
	RegressionThreshold   float64               `json:"regression_threshold" env:"EVOSEAL_REGRESSION_THRESHOLD"`
	KnownGoodSearchDepth  int                   `json:"known_good_search_depth" env:"EVOSEAL_KNOWN_GOOD_SEARCH_DEPTH"`
	MetricThresholds      map[string]Thresholds `json:"metric_thresholds" yaml:"metric_thresholds"`
	ResourceThresholds    map[string]Thresholds `json:"resource_thresholds" yaml:"resource_thresholds"`
	DashboardHost         string                `json:"dashboard_host" env:"EVOSEAL_DASHBOARD_HOST"`
	DashboardPort         int                   `json:"dashboard_port" env:"EVOSEAL_DASHBOARD_PORT"`
	ModelEndpoint         string                `json:"model_endpoint" env:"EVOSEAL_MODEL_ENDPOINT"`
	// ModelAPIToken, when set, is sent as a bearer token on every remote
	// adapter request to ModelEndpoint.
	ModelAPIToken string `json:"-" env:"EVOSEAL_MODEL_API_TOKEN"`
	// MetricsCacheRedisAddr, when set, installs a redis-backed read-through
	// cache in front of the Metrics Store's Series lookups. Empty means the
	// in-memory fallback cache is used instead.
	MetricsCacheRedisAddr string `json:"metrics_cache_redis_addr" env:"EVOSEAL_METRICS_CACHE_REDIS_ADDR"`
	MetricsCacheRedisDB   int    `json:"metrics_cache_redis_db" env:"EVOSEAL_METRICS_CACHE_REDIS_DB"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Security  SecurityConfig  `json:"security"`
	Auth      AuthConfig      `json:"auth"`
	Tracing   TracingConfig   `json:"tracing"`
	Evolution EvolutionConfig `json:"evolution"`
}

// RuntimeConfig controls engine-level module wiring behavior.
type RuntimeConfig struct {
	// AutoDepsFromAPIs derives module dependency edges from declared API
	// surfaces instead of requiring every edge to be listed explicitly.
	AutoDepsFromAPIs bool `json:"auto_deps_from_apis" env:"RUNTIME_AUTO_DEPS_FROM_APIS"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "evosealsvc",
		},
		Runtime: RuntimeConfig{
			AutoDepsFromAPIs: true,
		},
		Security: SecurityConfig{},
		Auth:     AuthConfig{},
		Tracing:  TracingConfig{},
		Evolution: EvolutionConfig{
			EvolutionInterval:     300,
			TrainingInterval:      3600,
			MinSamplesForTraining: 20,
			MinSuccessfulRatio:    0.8,
			MinQualityForDeploy:   0.6,
			CheckpointDir:         "./checkpoints",
			MaxCheckpoints:        20,
			AutoCheckpoint:        true,
			AutoRollback:          true,
			RegressionThreshold:   0.1,
			KnownGoodSearchDepth:  50,
			DashboardHost:         "127.0.0.1",
			DashboardPort:         8089,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN, so
// container deployments can inject the connection string as a single
// environment variable instead of the individual host/user/password fields.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
