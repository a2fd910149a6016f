// Package pipeline orchestrates the execution of run stages in dependency
// order and carries the event plumbing between them.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StageName identifies a pipeline stage.
type StageName string

// Canonical stage names.
const (
	StageProcess  StageName = "process"
	StageAssemble StageName = "assemble_datasets"
	StageTrain    StageName = "train"
	StageExport   StageName = "export_model"
	StageInfer    StageName = "infer"
	StageObserve  StageName = "observe"
)

// RunState is the mutable state threaded through a pipeline run. Stages
// read the outputs of their dependencies and record their own.
type RunState struct {
	RunID     string
	Trigger   string
	Forced    bool
	StartedAt time.Time

	mu sync.Mutex

	// NewItems is the number of raw tiles processed this run.
	NewItems int
	// SkippedItems is the number of tiles already present in the ledger.
	SkippedItems int
	// ProcessedPaths are the processed artifacts written or refreshed.
	ProcessedPaths []string
	// PredictionsPaths are the prediction artifacts written this run.
	PredictionsPaths []string
	// Artifacts maps artifact names to storage locations (model, config).
	Artifacts map[string]string
}

// NewRunState creates a run state with the given identity.
func NewRunState(runID, trigger string, forced bool) *RunState {
	return &RunState{
		RunID:     runID,
		Trigger:   trigger,
		Forced:    forced,
		StartedAt: time.Now(),
		Artifacts: make(map[string]string),
	}
}

// RecordProcessed accumulates processing stage results.
func (rs *RunState) RecordProcessed(processedPath string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.NewItems++
	rs.ProcessedPaths = append(rs.ProcessedPaths, processedPath)
}

// RecordSkipped counts a tile the ledger already knew about.
func (rs *RunState) RecordSkipped() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.SkippedItems++
}

// RecordPredictions accumulates inference stage results.
func (rs *RunState) RecordPredictions(predictionsPath string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.PredictionsPaths = append(rs.PredictionsPaths, predictionsPath)
}

// SetArtifact records a named artifact location.
func (rs *RunState) SetArtifact(name, location string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.Artifacts[name] = location
}

// Snapshot returns copies of the accumulated collections for reporting.
func (rs *RunState) Snapshot() (processed, predictions []string, artifacts map[string]string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	processed = append([]string(nil), rs.ProcessedPaths...)
	predictions = append([]string(nil), rs.PredictionsPaths...)
	artifacts = make(map[string]string, len(rs.Artifacts))
	for k, v := range rs.Artifacts {
		artifacts[k] = v
	}
	return processed, predictions, artifacts
}

// Stage is one unit of pipeline work.
type Stage interface {
	// Name returns the canonical stage name.
	Name() StageName
	// Dependencies returns the stages that must complete first.
	Dependencies() []StageName
	// Execute runs the stage against the shared run state.
	Execute(ctx context.Context, rs *RunState) StageExecution
}

// StageExecution captures a stage outcome.
type StageExecution struct {
	Err      error         // error encountered during stage execution
	Skip     bool          // whether subsequent stages should be skipped
	Duration time.Duration // wall-clock time spent in the stage, set by the pipeline
}

// ExecutionSuccess returns a successful stage execution result.
func ExecutionSuccess() StageExecution {
	return StageExecution{}
}

// ExecutionSuccessWithSkip returns a successful stage execution that skips
// remaining stages.
func ExecutionSuccessWithSkip() StageExecution {
	return StageExecution{Skip: true}
}

// ExecutionFailure returns a failed stage execution result.
func ExecutionFailure(err error) StageExecution {
	return StageExecution{Err: err}
}

// IsSuccess returns true if the stage completed successfully.
func (se StageExecution) IsSuccess() bool { return se.Err == nil }

// ShouldSkip returns true if subsequent stages should be skipped.
func (se StageExecution) ShouldSkip() bool { return se.Skip }

// Registry holds the available stages.
type Registry struct {
	mu     sync.RWMutex
	stages map[StageName]Stage
}

// NewRegistry creates an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[StageName]Stage)}
}

// Register adds a stage, replacing any previous stage of the same name.
func (r *Registry) Register(s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[s.Name()] = s
}

// Get returns the named stage.
func (r *Registry) Get(name StageName) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}

// List returns all registered stage names in sorted order.
func (r *Registry) List() []StageName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]StageName, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// StageFunc adapts a function into a Stage.
type StageFunc struct {
	StageName StageName
	Deps      []StageName
	Fn        func(ctx context.Context, rs *RunState) StageExecution
}

func (s StageFunc) Name() StageName           { return s.StageName }
func (s StageFunc) Dependencies() []StageName { return s.Deps }
func (s StageFunc) Execute(ctx context.Context, rs *RunState) StageExecution {
	return s.Fn(ctx, rs)
}
