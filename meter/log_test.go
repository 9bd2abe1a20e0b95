package meter_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oakline-labs/ccrelay"
	"github.com/oakline-labs/ccrelay/meter"
)

func newTestLogMeter(buf *bytes.Buffer) *meter.LogMeter {
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	return meter.NewLogMeter(logger)
}

func TestLogMeter_OnAttemptLogsFields(t *testing.T) {
	var buf bytes.Buffer
	m := newTestLogMeter(&buf)

	m.OnAttempt(ccrelay.DispatchAttempt{
		Model: "gemini-2.5-pro", AccountEmail: "a@example.com", EndpointIndex: 1, AttemptNum: 2, Streaming: true,
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "a@example.com", entry["account"])
	require.Equal(t, "gemini-2.5-pro", entry["model"])
	require.Equal(t, true, entry["streaming"])
}

func TestLogMeter_OnOutcomeSuccessVsFailureLevel(t *testing.T) {
	var buf bytes.Buffer
	m := newTestLogMeter(&buf)

	m.OnOutcome(ccrelay.DispatchOutcome{Model: "gemini-2.5-pro", AccountEmail: "a@example.com", Success: true, Duration: 50 * time.Millisecond})
	var success map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &success))
	require.Equal(t, "INFO", success["level"])

	buf.Reset()
	m.OnOutcome(ccrelay.DispatchOutcome{Model: "gemini-2.5-pro", AccountEmail: "a@example.com", Success: false, Err: ccrelay.ErrRateLimited})
	var failure map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &failure))
	require.Equal(t, "WARN", failure["level"])
}

func TestNewLogMeter_NilLoggerDefaultsToSlogDefault(t *testing.T) {
	m := meter.NewLogMeter(nil)
	require.NotNil(t, m.Logger)
}
