// Package meter provides DispatchMeter implementations.
package meter

import (
	"log/slog"

	"github.com/oakline-labs/ccrelay"
)

// LogMeter logs dispatch attempts and outcomes using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ ccrelay.DispatchMeter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAttempt(a ccrelay.DispatchAttempt) {
	m.Logger.Info("dispatch_attempt",
		"account", a.AccountEmail,
		"model", a.Model,
		"endpoint", a.EndpointIndex,
		"attempt", a.AttemptNum,
		"streaming", a.Streaming,
	)
}

func (m *LogMeter) OnOutcome(o ccrelay.DispatchOutcome) {
	if o.Success {
		m.Logger.Info("dispatch_outcome",
			"account", o.AccountEmail,
			"model", o.Model,
			"fallback", o.Fallback,
			"duration_ms", o.Duration.Milliseconds(),
			"input_tokens", o.Usage.InputTokens,
			"output_tokens", o.Usage.OutputTokens,
		)
		return
	}
	m.Logger.Warn("dispatch_outcome_error",
		"account", o.AccountEmail,
		"model", o.Model,
		"fallback", o.Fallback,
		"duration_ms", o.Duration.Milliseconds(),
		"error", o.Err,
	)
}
