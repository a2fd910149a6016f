package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextCarriers(t *testing.T) {
	ctx := context.Background()

	ctx = WithRunID(ctx, "run-42")
	ctx = WithStage(ctx, "processing")
	ctx = WithFunction(ctx, "dw-processing")
	ctx = WithTraceID(ctx, "trace-1")

	lc := GetContext(ctx)
	assert.Equal(t, "run-42", lc.RunID)
	assert.Equal(t, "processing", lc.Stage)
	assert.Equal(t, "dw-processing", lc.Function)
	assert.Equal(t, "trace-1", lc.TraceID)
}

func TestContextCarriersDoNotClobber(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-1")
	ctx2 := WithStage(ctx, "inference")

	// Original context keeps only the run ID.
	assert.Equal(t, "", GetContext(ctx).Stage)
	assert.Equal(t, "run-1", GetContext(ctx2).RunID)
	assert.Equal(t, "inference", GetContext(ctx2).Stage)
}

func TestGetLogAttrsEmpty(t *testing.T) {
	attrs := getLogAttrs(context.Background())
	assert.Empty(t, attrs)
}
