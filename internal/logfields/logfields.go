package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeyJobID      = "job_id"
	KeyJobType    = "job_type"
	KeyJobStatus  = "job_status"
	KeyStage      = "stage"
	KeyState      = "state"
	KeyDurationMS = "duration_ms"
	KeyScheduleID = "schedule_id"
	KeyBucket     = "bucket"
	KeyKey        = "key"
	KeyChecksum   = "checksum"
	KeyModel      = "model"
	KeyRecords    = "records"
	KeyAttempt    = "attempt"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func JobID(id string) slog.Attr       { return slog.String(KeyJobID, id) }
func JobType(t string) slog.Attr      { return slog.String(KeyJobType, t) }
func JobStatus(s string) slog.Attr    { return slog.String(KeyJobStatus, s) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func State(name string) slog.Attr     { return slog.String(KeyState, name) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func ScheduleID(id string) slog.Attr  { return slog.String(KeyScheduleID, id) }
func Bucket(b string) slog.Attr       { return slog.String(KeyBucket, b) }
func Key(k string) slog.Attr          { return slog.String(KeyKey, k) }
func Checksum(sum string) slog.Attr   { return slog.String(KeyChecksum, sum) }
func Model(name string) slog.Attr     { return slog.String(KeyModel, name) }
func Records(n int) slog.Attr         { return slog.Int(KeyRecords, n) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
