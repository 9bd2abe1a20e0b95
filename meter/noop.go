package meter

import "github.com/oakline-labs/ccrelay"

// NoopMeter is a DispatchMeter that does nothing.
type NoopMeter struct{}

var _ ccrelay.DispatchMeter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAttempt(ccrelay.DispatchAttempt) {}
func (m *NoopMeter) OnOutcome(ccrelay.DispatchOutcome) {}
