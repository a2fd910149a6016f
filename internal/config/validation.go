package config

import (
	"fmt"
)

// Validate checks the complete configuration structure.
func Validate(cfg *Config) error {
	validator := newConfigurationValidator(cfg)
	return validator.validate()
}

// configurationValidator coordinates validation across all configuration domains.
type configurationValidator struct {
	config *Config
}

func newConfigurationValidator(config *Config) *configurationValidator {
	return &configurationValidator{config: config}
}

// validate performs validation using domain-specific methods, in order of dependencies.
func (cv *configurationValidator) validate() error {
	if err := cv.validateData(); err != nil {
		return err
	}
	if err := cv.validateModel(); err != nil {
		return err
	}
	if err := cv.validateTracking(); err != nil {
		return err
	}
	if err := cv.validateStorage(); err != nil {
		return err
	}
	if err := cv.validateLedger(); err != nil {
		return err
	}
	if err := cv.validateRetry(); err != nil {
		return err
	}
	return cv.validateDaemon()
}

func (cv *configurationValidator) validateData() error {
	if cv.config.Data.Bucket == "" {
		return fmt.Errorf("data.bucket must not be empty")
	}
	if len(cv.config.Features.Keylist) == 0 {
		return fmt.Errorf("features.keylist must list at least one band")
	}
	return nil
}

func (cv *configurationValidator) validateModel() error {
	m := cv.config.Model
	if m.Name == "" {
		return fmt.Errorf("model.name must not be empty")
	}
	if m.Epochs < 0 {
		return fmt.Errorf("model.epochs must be >= 0, got %d", m.Epochs)
	}
	if m.BatchSize <= 0 {
		return fmt.Errorf("model.batch_size must be > 0, got %d", m.BatchSize)
	}
	if m.LearningRate <= 0 {
		return fmt.Errorf("model.learning_rate must be > 0, got %g", m.LearningRate)
	}
	return nil
}

func (cv *configurationValidator) validateTracking() error {
	switch cv.config.Tracking.Style {
	case TrackingMLflow:
		if cv.config.Tracking.URI == "" {
			return fmt.Errorf("tracking.uri is required when tracking.style is %q", TrackingMLflow)
		}
	case TrackingNoop:
	default:
		return fmt.Errorf("tracking.style %q unknown (expected mlflow or noop)", cv.config.Tracking.Style)
	}
	return nil
}

func (cv *configurationValidator) validateStorage() error {
	switch cv.config.Storage.Backend {
	case StorageFS:
		if cv.config.Storage.BasePath == "" {
			return fmt.Errorf("storage.base_path is required for the fs backend")
		}
	case StorageS3:
		if cv.config.Storage.Endpoint == "" {
			return fmt.Errorf("storage.endpoint is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend %q unknown (expected fs or s3)", cv.config.Storage.Backend)
	}
	return nil
}

func (cv *configurationValidator) validateLedger() error {
	switch cv.config.Ledger.Backend {
	case LedgerJSON:
		if cv.config.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required for the json backend")
		}
	case LedgerPostgres:
		if cv.config.Database.Host == "" {
			return fmt.Errorf("database.host is required for the postgres ledger backend")
		}
		if cv.config.Database.User == "" {
			return fmt.Errorf("database.user is required for the postgres ledger backend")
		}
	default:
		return fmt.Errorf("ledger.backend %q unknown (expected json or postgres)", cv.config.Ledger.Backend)
	}
	return nil
}

func (cv *configurationValidator) validateRetry() error {
	if NormalizeRetryBackoff(cv.config.Retry.Backoff) == "" {
		return fmt.Errorf("retry.backoff %q unknown (expected fixed, linear, or exponential)", cv.config.Retry.Backoff)
	}
	if cv.config.Retry.Initial <= 0 {
		return fmt.Errorf("retry.initial must be > 0")
	}
	if cv.config.Retry.Max < cv.config.Retry.Initial {
		return fmt.Errorf("retry.max must be >= retry.initial")
	}
	if cv.config.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	return nil
}

func (cv *configurationValidator) validateDaemon() error {
	d := cv.config.Daemon
	if d.QueueSize <= 0 {
		return fmt.Errorf("daemon.queue_size must be > 0")
	}
	if d.Workers <= 0 {
		return fmt.Errorf("daemon.workers must be > 0")
	}
	if d.Schedule <= 0 {
		return fmt.Errorf("daemon.schedule must be > 0")
	}
	return nil
}
