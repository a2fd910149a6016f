// Package config loads, defaults, normalizes, and validates the droughtwatch
// pipeline configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level pipeline configuration.
type Config struct {
	Data     DataConfig     `yaml:"data"`
	Features FeaturesConfig `yaml:"features"`
	Model    ModelConfig    `yaml:"model"`
	Tracking TrackingConfig `yaml:"tracking"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Retry    RetryConfig    `yaml:"retry"`
	Events   EventsConfig   `yaml:"events"`
	Cache    CacheConfig    `yaml:"cache"`
	Serving  ServingConfig  `yaml:"serving"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DataConfig locates raw and processed datasets inside the data bucket.
type DataConfig struct {
	Bucket        string `yaml:"bucket"`
	RawPrefix     string `yaml:"raw_prefix"`
	TrainPrefix   string `yaml:"train_prefix"`
	ValPrefix     string `yaml:"val_prefix"`
	ReferencePath string `yaml:"reference_path"` // reference predictions for drift
}

// FeaturesConfig selects the spectral bands fed to the model.
type FeaturesConfig struct {
	Keylist       []string `yaml:"keylist"`
	DeriveIndices bool     `yaml:"derive_indices"` // append NDVI/NDMI bands during processing
}

// ModelConfig holds learning parameters handed to the external trainer.
type ModelConfig struct {
	Name         string   `yaml:"name"`
	Epochs       int      `yaml:"epochs"`
	BatchSize    int      `yaml:"batch_size"`
	LearningRate float64  `yaml:"learning_rate"`
	Register     bool     `yaml:"register"`
	TrainerBin   string   `yaml:"trainer_bin"`
	TrainerArgs  []string `yaml:"trainer_args,omitempty"`
}

// TrackingStyle enumerates supported experiment trackers.
type TrackingStyle string

const (
	TrackingMLflow TrackingStyle = "mlflow"
	TrackingNoop   TrackingStyle = "noop"
)

// TrackingConfig configures experiment tracking.
type TrackingConfig struct {
	Style      TrackingStyle `yaml:"style"`
	URI        string        `yaml:"uri"`
	Experiment string        `yaml:"experiment"`
}

// StorageBackend enumerates supported object storage backends.
type StorageBackend string

const (
	StorageFS StorageBackend = "fs"
	StorageS3 StorageBackend = "s3"
)

// StorageConfig configures object storage for data and the model registry.
type StorageConfig struct {
	Backend        StorageBackend `yaml:"backend"`
	Endpoint       string         `yaml:"endpoint"` // custom endpoint for minio/localstack
	Region         string         `yaml:"region"`
	AccessKey      string         `yaml:"access_key"`
	SecretKey      string         `yaml:"secret_key"`
	UseSSL         bool           `yaml:"use_ssl"`
	BasePath       string         `yaml:"base_path"` // fs backend root
	RegistryBucket string         `yaml:"registry_bucket"`
}

// DatabaseConfig configures the relational metadata database.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN renders a pgx-compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// LedgerBackend enumerates supported ledger implementations.
type LedgerBackend string

const (
	LedgerJSON     LedgerBackend = "json"
	LedgerPostgres LedgerBackend = "postgres"
)

// LedgerConfig configures the idempotency ledger.
type LedgerConfig struct {
	Backend LedgerBackend `yaml:"backend"`
	Path    string        `yaml:"path"` // json backend file path
}

// RetryConfig holds raw retry/backoff settings; see internal/retry for the typed policy.
type RetryConfig struct {
	Backoff    string        `yaml:"backoff"` // fixed|linear|exponential
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	MaxRetries int           `yaml:"max_retries"`
}

// EventsConfig configures NATS publication of pipeline events.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// CacheConfig configures the optional redis ledger cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	TTL     time.Duration `yaml:"ttl"`
}

// ServingConfig locates the external model server used for inference.
type ServingConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	BatchSize int           `yaml:"batch_size"`
}

// DaemonConfig configures the scheduling daemon and the function server.
type DaemonConfig struct {
	Listen        string        `yaml:"listen"`
	Schedule      time.Duration `yaml:"schedule"`
	WatchDir      string        `yaml:"watch_dir"`
	Debounce      time.Duration `yaml:"debounce"`
	QueueSize     int           `yaml:"queue_size"`
	Workers       int           `yaml:"workers"`
	EventStore    string        `yaml:"event_store"` // sqlite path, ":memory:" allowed
	StateDir      string        `yaml:"state_dir"`
	EnableMetrics bool          `yaml:"enable_metrics"`
	MaxRunHistory int           `yaml:"max_run_history"` // bounded run summaries kept by /runs
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// Load reads, expands, defaults, normalizes, and validates a configuration file.
func Load(configPath string) (*Config, error) {
	// .env overlay first so ${VAR} expansion below can see it.
	// Missing .env files are fine.
	_ = godotenv.Load()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse unmarshals raw YAML and applies defaults, normalization, and validation.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables so secrets stay out of the file.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	Normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	if err := os.WriteFile(configPath, []byte(exampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

const exampleConfig = `# droughtwatch pipeline configuration
data:
  bucket: droughtwatch-data
  raw_prefix: raw/
  train_prefix: train/
  val_prefix: val/
  reference_path: reference_predictions.jsonl

features:
  # Spectral bands fed to the model. RGB by default.
  keylist: [B2, B3, B4]
  derive_indices: true

model:
  name: baseline
  epochs: 20
  batch_size: 32
  learning_rate: 0.001
  register: false
  trainer_bin: droughtwatch-trainer

tracking:
  style: mlflow
  uri: http://localhost:5012
  experiment: droughtwatch

storage:
  backend: s3
  endpoint: localhost:9000
  region: us-east-1
  access_key: ${AWS_ACCESS_KEY_ID}
  secret_key: ${AWS_SECRET_ACCESS_KEY}
  use_ssl: false
  registry_bucket: droughtwatch-registry

database:
  host: localhost
  port: 5432
  user: droughtwatch
  password: ${POSTGRES_PASSWORD}
  name: droughtwatch
  ssl_mode: disable

ledger:
  backend: postgres

retry:
  backoff: exponential
  initial: 1s
  max: 30s
  max_retries: 3

events:
  enabled: false
  url: nats://localhost:4222
  subject: droughtwatch.pipeline

cache:
  enabled: false
  addr: localhost:6379
  ttl: 10m

serving:
  url: http://localhost:8501
  timeout: 30s
  batch_size: 64

daemon:
  listen: :8080
  schedule: 1h
  queue_size: 100
  workers: 2
  event_store: droughtwatch-events.db
  state_dir: ./daemon-data
  enable_metrics: true
  max_run_history: 100

logging:
  level: info
  format: text
`
