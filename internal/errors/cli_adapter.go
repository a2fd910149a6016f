package errors

import (
	"log/slog"
)

// CLIErrorAdapter handles error presentation and exit code determination for CLI applications.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
}

// NewCLIErrorAdapter creates a new CLI error adapter.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{
		verbose: verbose,
		logger:  logger,
	}
}

// ExitCodeFor determines the appropriate exit code for an error.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	if pe, ok := err.(*PipelineError); ok {
		return a.exitCodeFromPipeline(pe)
	}

	return 1
}

// exitCodeFromPipeline maps PipelineError to exit codes.
func (a *CLIErrorAdapter) exitCodeFromPipeline(err *PipelineError) int {
	switch err.Category {
	case CategoryValidation:
		return 2 // Invalid usage
	case CategoryConfig:
		return 7 // Configuration error
	case CategoryNetwork, CategoryStorage, CategoryDatabase:
		return 8 // External system error
	case CategoryProcessing, CategoryTraining, CategoryInference, CategoryObserve:
		return 11 // Pipeline stage error
	case CategoryDaemon, CategoryRuntime:
		return 12 // Runtime error
	case CategoryInternal:
		return 10 // Internal error
	default:
		return 1 // General error
	}
}

// Report logs the error with appropriate detail for the verbosity level.
func (a *CLIErrorAdapter) Report(err error) {
	if err == nil {
		return
	}

	pe, ok := err.(*PipelineError)
	if !ok {
		a.logger.Error("Command failed", "error", err)
		return
	}

	attrs := []any{
		"category", string(pe.Category),
		"error", pe.Message,
	}
	if a.verbose {
		for k, v := range pe.Context {
			attrs = append(attrs, k, v)
		}
		if pe.Cause != nil {
			attrs = append(attrs, "cause", pe.Cause.Error())
		}
	}
	a.logger.Error("Command failed", attrs...)
}
