package server

import (
	"context"

	"github.com/google/uuid"

	"github.com/droughtwatch/droughtwatch/internal/inference"
	"github.com/droughtwatch/droughtwatch/internal/observe"
	"github.com/droughtwatch/droughtwatch/internal/processing"
	"github.com/droughtwatch/droughtwatch/internal/statemachine"
)

// Functions builds the standard handler set from the three stage
// implementations.
func Functions(p *processing.Processor, e *inference.Engine, o *observe.Observer) map[string]statemachine.Handler {
	return map[string]statemachine.Handler{
		FunctionProcessing: ProcessingFunction(p),
		FunctionInference:  InferenceFunction(e),
		FunctionObserve:    ObserveFunction(o),
	}
}

// ProcessingFunction wraps the processing stage as a function handler. The
// input body may carry "run_id" and "forced"; both are optional.
func ProcessingFunction(p *processing.Processor) statemachine.Handler {
	return func(ctx context.Context, input statemachine.Envelope) (statemachine.Envelope, error) {
		runID, forced := inputParams(input)

		result, err := p.ProcessNew(ctx, runID, forced)
		if err != nil {
			return statemachine.Envelope{}, err
		}

		body := map[string]any{
			"run_id":        runID,
			"new_items":     result.NewItems,
			"skipped_items": result.SkippedItems,
			"failed_items":  result.FailedItems,
		}
		if result.FailedItems > 0 {
			body["error"] = result.ItemErrors[0].Error()
			return statemachine.Failed(500, body), nil
		}
		return statemachine.OK(body), nil
	}
}

// InferenceFunction wraps the inference stage as a function handler.
func InferenceFunction(e *inference.Engine) statemachine.Handler {
	return func(ctx context.Context, input statemachine.Envelope) (statemachine.Envelope, error) {
		runID, _ := inputParams(input)

		result, err := e.PredictNew(ctx, runID)
		if err != nil {
			return statemachine.Envelope{}, err
		}

		body := map[string]any{
			"run_id":          runID,
			"predicted_items": result.PredictedItems,
			"failed_items":    result.FailedItems,
			"records":         result.Records,
		}
		if result.FailedItems > 0 {
			body["error"] = result.ItemErrors[0].Error()
			return statemachine.Failed(500, body), nil
		}
		return statemachine.OK(body), nil
	}
}

// ObserveFunction wraps the observability stage as a function handler.
func ObserveFunction(o *observe.Observer) statemachine.Handler {
	return func(ctx context.Context, input statemachine.Envelope) (statemachine.Envelope, error) {
		runID, _ := inputParams(input)

		result, err := o.ObserveNew(ctx, runID)
		if err != nil {
			return statemachine.Envelope{}, err
		}

		body := map[string]any{
			"run_id":         runID,
			"observed_items": result.ObservedItems,
			"failed_items":   result.FailedItems,
		}
		if result.FailedItems > 0 {
			body["error"] = result.ItemErrors[0].Error()
			return statemachine.Failed(500, body), nil
		}
		return statemachine.OK(body), nil
	}
}

// inputParams extracts run identity and the forced flag from an envelope
// body. A fresh run ID is assigned when the body carries none, so every
// stage downstream of this one logs under the same run.
func inputParams(input statemachine.Envelope) (runID string, forced bool) {
	if body, ok := input.Body.(map[string]any); ok {
		if v, ok := body["run_id"].(string); ok {
			runID = v
		}
		if v, ok := body["forced"].(bool); ok {
			forced = v
		}
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	return runID, forced
}
