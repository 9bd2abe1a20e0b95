package ccrelay

// DispatchMeter is the A3 component: it observes dispatch decisions
// and outcomes for monitoring/logging, mirroring the shape of a
// request-router's route/result observer but renamed to the dispatch
// domain.
type DispatchMeter interface {
	// OnAttempt is called before each upstream call is issued.
	OnAttempt(a DispatchAttempt)
	// OnOutcome is called by Dispatch after each upstream attempt
	// resolves, success or failure, so one dispatch may report several
	// outcomes. DispatchStream does not call it.
	OnOutcome(o DispatchOutcome)
}
