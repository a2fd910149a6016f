package logfields

import (
	"errors"
	"log/slog"
	"testing"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    slog.Attr
	}{
		{"RunID", KeyRunID, "run-1", RunID("run-1")},
		{"JobID", KeyJobID, "123", JobID("123")},
		{"JobType", KeyJobType, "scheduled", JobType("scheduled")},
		{"JobStatus", KeyJobStatus, "queued", JobStatus("queued")},
		{"Stage", KeyStage, "processing", Stage("processing")},
		{"State", KeyState, "inference", State("inference")},
		{"ScheduleID", KeyScheduleID, "sch1", ScheduleID("sch1")},
		{"Bucket", KeyBucket, "droughtwatch-data", Bucket("droughtwatch-data")},
		{"Key", KeyKey, "raw/part_0.dwr", Key("raw/part_0.dwr")},
		{"Checksum", KeyChecksum, "abc123", Checksum("abc123")},
		{"Model", KeyModel, "baseline", Model("baseline")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.attr.Key != c.attrKey {
				t.Fatalf("expected key %q got %q", c.attrKey, c.attr.Key)
			}
			if got := c.attr.Value.String(); got != c.attrVal {
				t.Fatalf("expected value %q got %q", c.attrVal, got)
			}
		})
	}
}

// TestErrorHelper covers nil and non-nil error rendering.
func TestErrorHelper(t *testing.T) {
	if got := Error(nil).Value.String(); got != "" {
		t.Fatalf("expected empty string for nil error got %q", got)
	}
	if got := Error(errors.New("boom")).Value.String(); got != "boom" {
		t.Fatalf("expected 'boom' got %q", got)
	}
}
