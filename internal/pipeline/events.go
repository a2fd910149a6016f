package pipeline

import "encoding/json"

// Event is a domain event published by stages and consumed by handlers.
type Event interface{ Name() string }

// Event names used in the pipeline.
const (
	EventProcessingStarted   = "ProcessingStarted"
	EventItemProcessed       = "ItemProcessed"
	EventProcessingCompleted = "ProcessingCompleted"
	EventTrainingStarted     = "TrainingStarted"
	EventModelRegistered     = "ModelRegistered"
	EventInferenceCompleted  = "InferenceCompleted"
	EventDriftReported       = "DriftReported"
)

// baseEvent carries the run identity and a JSON payload for the bus sinks.
type baseEvent struct {
	RunID   string
	payload []byte
}

func (e baseEvent) GetRunID() string     { return e.RunID }
func (e baseEvent) EventPayload() []byte { return e.payload }

func marshalPayload(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte{}
	}
	return data
}

// ProcessingStarted announces a processing batch with its new-item count.
type ProcessingStarted struct {
	baseEvent
	NewItems int
}

func (ProcessingStarted) Name() string { return EventProcessingStarted }

// NewProcessingStarted creates a ProcessingStarted event.
func NewProcessingStarted(runID string, newItems int) ProcessingStarted {
	return ProcessingStarted{
		baseEvent: baseEvent{RunID: runID, payload: marshalPayload(map[string]any{"new_items": newItems})},
		NewItems:  newItems,
	}
}

// ItemProcessed announces one processed tile.
type ItemProcessed struct {
	baseEvent
	RawPath       string
	ProcessedPath string
	Checksum      string
}

func (ItemProcessed) Name() string { return EventItemProcessed }

// NewItemProcessed creates an ItemProcessed event.
func NewItemProcessed(runID, rawPath, processedPath, checksum string) ItemProcessed {
	return ItemProcessed{
		baseEvent: baseEvent{RunID: runID, payload: marshalPayload(map[string]any{
			"raw_path":       rawPath,
			"processed_path": processedPath,
			"checksum":       checksum,
		})},
		RawPath:       rawPath,
		ProcessedPath: processedPath,
		Checksum:      checksum,
	}
}

// ProcessingCompleted announces batch totals.
type ProcessingCompleted struct {
	baseEvent
	NewItems     int
	SkippedItems int
	FailedItems  int
}

func (ProcessingCompleted) Name() string { return EventProcessingCompleted }

// NewProcessingCompleted creates a ProcessingCompleted event.
func NewProcessingCompleted(runID string, newItems, skippedItems, failedItems int) ProcessingCompleted {
	return ProcessingCompleted{
		baseEvent: baseEvent{RunID: runID, payload: marshalPayload(map[string]any{
			"new_items":     newItems,
			"skipped_items": skippedItems,
			"failed_items":  failedItems,
		})},
		NewItems:     newItems,
		SkippedItems: skippedItems,
		FailedItems:  failedItems,
	}
}

// TrainingStarted announces a trainer invocation.
type TrainingStarted struct {
	baseEvent
	ModelName string
	RunName   string
}

func (TrainingStarted) Name() string { return EventTrainingStarted }

// NewTrainingStarted creates a TrainingStarted event.
func NewTrainingStarted(runID, modelName, runName string) TrainingStarted {
	return TrainingStarted{
		baseEvent: baseEvent{RunID: runID, payload: marshalPayload(map[string]any{
			"model_name": modelName,
			"run_name":   runName,
		})},
		ModelName: modelName,
		RunName:   runName,
	}
}

// ModelRegistered announces a model export and registration.
type ModelRegistered struct {
	baseEvent
	ModelName string
	Version   string
	Location  string
}

func (ModelRegistered) Name() string { return EventModelRegistered }

// NewModelRegistered creates a ModelRegistered event.
func NewModelRegistered(runID, modelName, version, location string) ModelRegistered {
	return ModelRegistered{
		baseEvent: baseEvent{RunID: runID, payload: marshalPayload(map[string]any{
			"model_name": modelName,
			"version":    version,
			"location":   location,
		})},
		ModelName: modelName,
		Version:   version,
		Location:  location,
	}
}

// InferenceCompleted announces a predictions artifact.
type InferenceCompleted struct {
	baseEvent
	ProcessedPath   string
	PredictionsPath string
	Records         int
}

func (InferenceCompleted) Name() string { return EventInferenceCompleted }

// NewInferenceCompleted creates an InferenceCompleted event.
func NewInferenceCompleted(runID, processedPath, predictionsPath string, records int) InferenceCompleted {
	return InferenceCompleted{
		baseEvent: baseEvent{RunID: runID, payload: marshalPayload(map[string]any{
			"processed_path":   processedPath,
			"predictions_path": predictionsPath,
			"records":          records,
		})},
		ProcessedPath:   processedPath,
		PredictionsPath: predictionsPath,
		Records:         records,
	}
}

// DriftReported announces a computed drift report.
type DriftReported struct {
	baseEvent
	PredictionsPath string
	Drift           float64
}

func (DriftReported) Name() string { return EventDriftReported }

// NewDriftReported creates a DriftReported event.
func NewDriftReported(runID, predictionsPath string, drift float64) DriftReported {
	return DriftReported{
		baseEvent: baseEvent{RunID: runID, payload: marshalPayload(map[string]any{
			"predictions_path": predictionsPath,
			"prediction_drift": drift,
		})},
		PredictionsPath: predictionsPath,
		Drift:           drift,
	}
}
