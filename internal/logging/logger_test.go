package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetComponentLogger_Cached(t *testing.T) {
	a := GetComponentLogger("orchestrator")
	b := GetComponentLogger("orchestrator")
	assert.Same(t, a, b, "component loggers are shared per name")

	c := GetComponentLogger("scan")
	assert.NotSame(t, a, c)
}

func TestWithFields_DoesNotMutateParent(t *testing.T) {
	parent := GetComponentLogger("events")
	child := parent.WithFields(Fields{"camera_id": "cam1"})
	require.NotSame(t, parent, child)
	assert.Contains(t, child.entry.Data, "camera_id")
	assert.NotContains(t, parent.entry.Data, "camera_id")
}

func TestCorrelationID_RoundTripsThroughContext(t *testing.T) {
	id := NewCorrelationID()
	require.NotEmpty(t, id)

	ctx := ContextWithCorrelationID(context.Background(), id)
	assert.Equal(t, id, CorrelationIDFromContext(ctx))
	assert.Empty(t, CorrelationIDFromContext(context.Background()))

	l := GetComponentLogger("core").WithCorrelationID(ctx)
	assert.Equal(t, id, l.entry.Data["correlation_id"])
}

func TestSetupLogging_AppliesLevelAndFormat(t *testing.T) {
	require.NoError(t, SetupLogging(&LoggingConfig{
		Level: "debug", Format: "json", ConsoleEnabled: true,
	}))
	assert.Equal(t, "debug", baseLogger().GetLevel().String())

	// An unknown level falls back to info rather than failing startup.
	require.NoError(t, SetupLogging(&LoggingConfig{Level: "verbose", ConsoleEnabled: true}))
	assert.Equal(t, "info", baseLogger().GetLevel().String())
}

func TestSetupLogging_FileOutput(t *testing.T) {
	path := t.TempDir() + "/logs/orchestrator.log"
	require.NoError(t, SetupLogging(&LoggingConfig{
		Level: "info", FileEnabled: true, FilePath: path, MaxFileSize: 1, BackupCount: 1,
	}))
	GetComponentLogger("test").Info("hello")
}
