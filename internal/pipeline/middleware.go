package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/metrics"
	"github.com/droughtwatch/droughtwatch/internal/retry"
)

// Middleware wraps a stage with cross-cutting behavior.
type Middleware func(Stage) Stage

type wrappedStage struct {
	inner   Stage
	execute func(ctx context.Context, rs *RunState) StageExecution
}

func (w wrappedStage) Name() StageName           { return w.inner.Name() }
func (w wrappedStage) Dependencies() []StageName { return w.inner.Dependencies() }
func (w wrappedStage) Execute(ctx context.Context, rs *RunState) StageExecution {
	return w.execute(ctx, rs)
}

// LoggingMiddleware logs stage starts and outcomes with durations.
func LoggingMiddleware() Middleware {
	return func(s Stage) Stage {
		return wrappedStage{inner: s, execute: func(ctx context.Context, rs *RunState) StageExecution {
			start := time.Now()
			slog.Info("Stage starting",
				logfields.RunID(rs.RunID),
				logfields.Stage(string(s.Name())))

			result := s.Execute(ctx, rs)

			if result.IsSuccess() {
				slog.Info("Stage succeeded",
					logfields.RunID(rs.RunID),
					logfields.Stage(string(s.Name())),
					logfields.DurationMS(float64(time.Since(start).Milliseconds())))
			} else {
				slog.Error("Stage failed",
					logfields.RunID(rs.RunID),
					logfields.Stage(string(s.Name())),
					logfields.DurationMS(float64(time.Since(start).Milliseconds())),
					logfields.Error(result.Err))
			}
			return result
		}}
	}
}

// MetricsMiddleware records stage durations and outcome counters.
func MetricsMiddleware(recorder metrics.Recorder) Middleware {
	return func(s Stage) Stage {
		return wrappedStage{inner: s, execute: func(ctx context.Context, rs *RunState) StageExecution {
			start := time.Now()
			result := s.Execute(ctx, rs)

			stage := string(s.Name())
			recorder.ObserveStageDuration(stage, time.Since(start))
			switch {
			case result.IsSuccess() && result.ShouldSkip():
				recorder.IncStageResult(stage, metrics.ResultSkipped)
			case result.IsSuccess():
				recorder.IncStageResult(stage, metrics.ResultSuccess)
			default:
				recorder.IncStageResult(stage, metrics.ResultFailure)
			}
			return result
		}}
	}
}

// RecoveryMiddleware converts stage panics into failed executions.
func RecoveryMiddleware() Middleware {
	return func(s Stage) Stage {
		return wrappedStage{inner: s, execute: func(ctx context.Context, rs *RunState) (result StageExecution) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Stage panicked",
						logfields.RunID(rs.RunID),
						logfields.Stage(string(s.Name())),
						slog.Any("panic", r))
					result = ExecutionFailure(fmt.Errorf("stage %s panicked: %v", s.Name(), r))
				}
			}()
			return s.Execute(ctx, rs)
		}}
	}
}

// RetryMiddleware re-executes a failed stage according to the policy. Only
// errors marked retryable are retried; exhausted retries surface the last
// error.
func RetryMiddleware(policy retry.Policy, recorder metrics.Recorder) Middleware {
	return func(s Stage) Stage {
		return wrappedStage{inner: s, execute: func(ctx context.Context, rs *RunState) StageExecution {
			var result StageExecution
			for attempt := 0; ; attempt++ {
				result = s.Execute(ctx, rs)
				if result.IsSuccess() {
					return result
				}
				if !dwerrors.IsRetryable(result.Err) {
					return result
				}
				if attempt >= policy.MaxRetries {
					recorder.IncRetryExhausted(string(s.Name()))
					slog.Error("Stage retries exhausted",
						logfields.RunID(rs.RunID),
						logfields.Stage(string(s.Name())),
						logfields.Attempt(attempt+1),
						logfields.Error(result.Err))
					return result
				}

				delay := policy.Delay(attempt)
				recorder.IncRetry(string(s.Name()))
				slog.Warn("Retrying stage after failure",
					logfields.RunID(rs.RunID),
					logfields.Stage(string(s.Name())),
					logfields.Attempt(attempt+1),
					slog.Duration("backoff", delay),
					logfields.Error(result.Err))

				select {
				case <-ctx.Done():
					return ExecutionFailure(ctx.Err())
				case <-time.After(delay):
				}
			}
		}}
	}
}

// DefaultMiddleware is the standard chain: recovery innermost, then retry,
// metrics and logging outermost.
func DefaultMiddleware(policy retry.Policy, recorder metrics.Recorder) []Middleware {
	return []Middleware{
		RecoveryMiddleware(),
		RetryMiddleware(policy, recorder),
		MetricsMiddleware(recorder),
		LoggingMiddleware(),
	}
}
