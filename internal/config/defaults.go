package config

import "time"

// Default values applied when fields are absent from the configuration file.
const (
	DefaultDataBucket     = "droughtwatch-data"
	DefaultRawPrefix      = "raw/"
	DefaultTrainPrefix    = "train/"
	DefaultValPrefix      = "val/"
	DefaultReferencePath  = "reference_predictions.jsonl"
	DefaultModelName      = "baseline"
	DefaultEpochs         = 20
	DefaultBatchSize      = 32
	DefaultLearningRate   = 0.001
	DefaultTrainerBin     = "droughtwatch-trainer"
	DefaultExperiment     = "droughtwatch"
	DefaultRegistryBucket = "droughtwatch-registry"
	DefaultLedgerPath     = "ledger.json"
	DefaultListen         = ":8080"
	DefaultQueueSize      = 100
	DefaultWorkers        = 2
	DefaultEventStore     = "droughtwatch-events.db"
	DefaultStateDir       = "./daemon-data"
	DefaultMaxRunHistory  = 100
	DefaultServingBatch   = 64
)

// DefaultKeylist returns the default band selection (RGB).
func DefaultKeylist() []string { return []string{"B2", "B3", "B4"} }

// ApplyDefaults fills unset configuration fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Data.Bucket == "" {
		cfg.Data.Bucket = DefaultDataBucket
	}
	if cfg.Data.RawPrefix == "" {
		cfg.Data.RawPrefix = DefaultRawPrefix
	}
	if cfg.Data.TrainPrefix == "" {
		cfg.Data.TrainPrefix = DefaultTrainPrefix
	}
	if cfg.Data.ValPrefix == "" {
		cfg.Data.ValPrefix = DefaultValPrefix
	}
	if cfg.Data.ReferencePath == "" {
		cfg.Data.ReferencePath = DefaultReferencePath
	}

	if len(cfg.Features.Keylist) == 0 {
		cfg.Features.Keylist = DefaultKeylist()
	}

	if cfg.Model.Name == "" {
		cfg.Model.Name = DefaultModelName
	}
	if cfg.Model.Epochs == 0 {
		cfg.Model.Epochs = DefaultEpochs
	}
	if cfg.Model.BatchSize == 0 {
		cfg.Model.BatchSize = DefaultBatchSize
	}
	if cfg.Model.LearningRate == 0 {
		cfg.Model.LearningRate = DefaultLearningRate
	}
	if cfg.Model.TrainerBin == "" {
		cfg.Model.TrainerBin = DefaultTrainerBin
	}

	if cfg.Tracking.Style == "" {
		cfg.Tracking.Style = TrackingNoop
	}
	if cfg.Tracking.Experiment == "" {
		cfg.Tracking.Experiment = DefaultExperiment
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageFS
	}
	if cfg.Storage.BasePath == "" {
		cfg.Storage.BasePath = "./data"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Storage.RegistryBucket == "" {
		cfg.Storage.RegistryBucket = DefaultRegistryBucket
	}

	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}

	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = LedgerJSON
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = DefaultLedgerPath
	}

	if cfg.Retry.Backoff == "" {
		cfg.Retry.Backoff = string(RetryBackoffExponential)
	}
	if cfg.Retry.Initial == 0 {
		cfg.Retry.Initial = time.Second
	}
	if cfg.Retry.Max == 0 {
		cfg.Retry.Max = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "droughtwatch.pipeline"
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 10 * time.Minute
	}

	if cfg.Serving.Timeout == 0 {
		cfg.Serving.Timeout = 30 * time.Second
	}
	if cfg.Serving.BatchSize == 0 {
		cfg.Serving.BatchSize = DefaultServingBatch
	}

	if cfg.Daemon.Listen == "" {
		cfg.Daemon.Listen = DefaultListen
	}
	if cfg.Daemon.Schedule == 0 {
		cfg.Daemon.Schedule = time.Hour
	}
	if cfg.Daemon.Debounce == 0 {
		cfg.Daemon.Debounce = 5 * time.Second
	}
	if cfg.Daemon.QueueSize == 0 {
		cfg.Daemon.QueueSize = DefaultQueueSize
	}
	if cfg.Daemon.Workers == 0 {
		cfg.Daemon.Workers = DefaultWorkers
	}
	if cfg.Daemon.MaxRunHistory == 0 {
		cfg.Daemon.MaxRunHistory = DefaultMaxRunHistory
	}
	if cfg.Daemon.EventStore == "" {
		cfg.Daemon.EventStore = DefaultEventStore
	}
	if cfg.Daemon.StateDir == "" {
		cfg.Daemon.StateDir = DefaultStateDir
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
