package errors

// Convenience functions for common error patterns

// Config errors

func ConfigNotFound(path string) *PipelineError {
	return New(CategoryConfig, SeverityFatal, "configuration file not found").
		WithContext("path", path)
}

func ConfigRequired(field string) *PipelineError {
	return New(CategoryConfig, SeverityFatal, "required configuration missing").
		WithContext("field", field)
}

func ValidationFailed(field, reason string) *PipelineError {
	return New(CategoryValidation, SeverityFatal, "validation failed").
		WithContext("field", field).
		WithContext("reason", reason)
}

// Stage errors

func StageFailed(stage string, cause error) *PipelineError {
	return Wrap(cause, CategoryProcessing, SeverityFatal, "stage failed").
		WithContext("stage", stage)
}

func ProcessingError(key string, cause error) *PipelineError {
	return Wrap(cause, CategoryProcessing, SeverityError, "record processing failed").
		WithContext("key", key)
}

func TrainingError(cause error) *PipelineError {
	return Wrap(cause, CategoryTraining, SeverityFatal, "model training failed")
}

func InferenceError(key string, cause error) *PipelineError {
	return Wrap(cause, CategoryInference, SeverityError, "prediction failed").
		WithContext("key", key)
}

// Storage and database errors

func StorageError(operation, key string, cause error) *PipelineError {
	return WrapRetryable(cause, CategoryStorage, SeverityWarning, "object storage operation failed").
		WithContext("operation", operation).
		WithContext("key", key)
}

func DatabaseError(operation string, cause error) *PipelineError {
	return WrapRetryable(cause, CategoryDatabase, SeverityWarning, "database operation failed").
		WithContext("operation", operation)
}

// Network errors

func NetworkTimeout(url string, cause error) *PipelineError {
	return WrapRetryable(cause, CategoryNetwork, SeverityWarning, "network timeout").
		WithContext("url", url)
}

func ModelServerError(url string, cause error) *PipelineError {
	return WrapRetryable(cause, CategoryInference, SeverityWarning, "model server request failed").
		WithContext("url", url)
}

// Internal errors

func InternalError(message string, cause error) *PipelineError {
	return Wrap(cause, CategoryInternal, SeverityFatal, message)
}
