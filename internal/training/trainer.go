package training

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/droughtwatch/droughtwatch/internal/config"
	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
)

// trainerConfig is the resolved configuration handed to the external trainer
// via a temp YAML file.
type trainerConfig struct {
	RunName      string          `yaml:"run_name"`
	Model        string          `yaml:"model"`
	Epochs       int             `yaml:"epochs"`
	BatchSize    int             `yaml:"batch_size"`
	LearningRate float64         `yaml:"learning_rate"`
	Keylist      []string        `yaml:"keylist"`
	ClassWeights map[int]float64 `yaml:"class_weights"`
	Dataset      Dataset         `yaml:"dataset"`
	OutputDir    string          `yaml:"output_dir"`
	TrackingURI  string          `yaml:"tracking_uri,omitempty"`
}

// Report is what the trainer leaves behind after a successful fit.
type Report struct {
	ModelPath   string             `json:"model_path"`
	Metrics     map[string]float64 `json:"metrics"`
	ValAccuracy float64            `json:"val_accuracy"`
}

// Trainer invokes the external trainer binary.
type Trainer struct {
	cfg *config.Config
}

// NewTrainer creates a trainer around the configured binary.
func NewTrainer(cfg *config.Config) *Trainer {
	return &Trainer{cfg: cfg}
}

// Invoke runs the trainer to completion. The resolved configuration is
// written to a temp YAML file passed as the final argument; the trainer is
// expected to write its model artifact and a report.json into outputDir.
func (t *Trainer) Invoke(ctx context.Context, runName string, ds *Dataset, outputDir string) (*Report, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, dwerrors.TrainingError(err).WithContext("output_dir", outputDir)
	}

	resolved := trainerConfig{
		RunName:      runName,
		Model:        t.cfg.Model.Name,
		Epochs:       t.cfg.Model.Epochs,
		BatchSize:    t.cfg.Model.BatchSize,
		LearningRate: t.cfg.Model.LearningRate,
		Keylist:      t.cfg.Features.Keylist,
		ClassWeights: ClassWeights(),
		Dataset:      *ds,
		OutputDir:    outputDir,
		TrackingURI:  t.cfg.Tracking.URI,
	}

	configPath, err := writeTrainerConfig(resolved)
	if err != nil {
		return nil, err
	}
	defer os.Remove(configPath)

	args := append(append([]string(nil), t.cfg.Model.TrainerArgs...), "--config", configPath)
	cmd := exec.CommandContext(ctx, t.cfg.Model.TrainerBin, args...)
	cmd.Env = append(os.Environ(),
		"DROUGHTWATCH_RUN_NAME="+runName,
		"DROUGHTWATCH_OUTPUT_DIR="+outputDir,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, dwerrors.TrainingError(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, dwerrors.TrainingError(err)
	}

	slog.Info("Starting trainer",
		logfields.Model(t.cfg.Model.Name),
		slog.String("bin", t.cfg.Model.TrainerBin),
		slog.String("run_name", runName))

	if err := cmd.Start(); err != nil {
		return nil, dwerrors.TrainingError(err).WithContext("bin", t.cfg.Model.TrainerBin)
	}

	go logLines(stdout, slog.LevelInfo)
	go logLines(stderr, slog.LevelWarn)

	if err := cmd.Wait(); err != nil {
		return nil, dwerrors.TrainingError(err).
			WithContext("bin", t.cfg.Model.TrainerBin).
			WithContext("exit", cmd.ProcessState.ExitCode())
	}

	return readReport(outputDir)
}

func writeTrainerConfig(resolved trainerConfig) (string, error) {
	data, err := yaml.Marshal(resolved)
	if err != nil {
		return "", dwerrors.TrainingError(err)
	}

	f, err := os.CreateTemp("", "droughtwatch-trainer-*.yaml")
	if err != nil {
		return "", dwerrors.TrainingError(err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", dwerrors.TrainingError(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", dwerrors.TrainingError(err)
	}
	return f.Name(), nil
}

// readReport loads the trainer's report.json from outputDir. The report's
// model path is resolved relative to outputDir when not absolute.
func readReport(outputDir string) (*Report, error) {
	reportPath := filepath.Join(outputDir, "report.json")
	data, err := os.ReadFile(reportPath)
	if err != nil {
		return nil, dwerrors.TrainingError(fmt.Errorf("trainer produced no report: %w", err))
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, dwerrors.TrainingError(fmt.Errorf("unreadable trainer report: %w", err))
	}
	if report.ModelPath == "" {
		return nil, dwerrors.TrainingError(fmt.Errorf("trainer report names no model artifact"))
	}
	if !filepath.IsAbs(report.ModelPath) {
		report.ModelPath = filepath.Join(outputDir, report.ModelPath)
	}
	if _, err := os.Stat(report.ModelPath); err != nil {
		return nil, dwerrors.TrainingError(fmt.Errorf("model artifact missing: %w", err))
	}
	if v, ok := report.Metrics["val_accuracy"]; ok && report.ValAccuracy == 0 {
		report.ValAccuracy = v
	}
	return &report, nil
}

func logLines(r io.Reader, level slog.Level) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Log(context.Background(), level, "trainer: "+scanner.Text())
	}
}
