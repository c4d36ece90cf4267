package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithRun(t *testing.T) {
	ctx := ContextWithRun(context.Background(), "p1", "r1")

	pipelineID, ok := ctx.Value(PipelineIDKey).(string)
	require.True(t, ok)
	assert.Equal(t, "p1", pipelineID)

	runID, ok := ctx.Value(RunIDKey).(string)
	require.True(t, ok)
	assert.Equal(t, "r1", runID)
}

func TestWithContext(t *testing.T) {
	// Values attached through ContextWithRun must not panic or drop the
	// logger; a bare context yields the plain global logger
	require.NotNil(t, WithContext(context.Background()))
	require.NotNil(t, WithContext(ContextWithRun(context.Background(), "p1", "r1")))
}
