package logger_test

import (
	"log/slog"
	"testing"

	"github.com/phrazzld/xengine/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestLogBuffer_GetLogEntries(t *testing.T) {
	t.Parallel()

	buf := &logger.TestLogBuffer{}
	_, err := buf.Write([]byte(`{"msg":"one","n":1}` + "\n\n" + `{"msg":"two"}` + "\n"))
	require.NoError(t, err)

	entries, err := buf.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "one", entries[0]["msg"])
	assert.Equal(t, float64(1), entries[0]["n"])

	buf.Reset()
	assert.Empty(t, buf.String())

	_, _ = buf.Write([]byte("not json\n"))
	_, err = buf.GetLogEntries()
	assert.Error(t, err)
}

func TestSetupTestLogger(t *testing.T) {
	buf, log := logger.SetupTestLogger(t)

	assert.Same(t, log, slog.Default())
	slog.Debug("via default", "component", "test")
	logger.AssertLogContains(t, buf, "via default")
	logger.AssertLogField(t, buf, "component", "test")
}
