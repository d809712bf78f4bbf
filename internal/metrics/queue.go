package metrics

type QueueRecorder interface {
	ObserveInFlight(n int)
	IncQueueWaits()
}

type NoopQueueRecorder struct{}

func (NoopQueueRecorder) ObserveInFlight(n int) {}
func (NoopQueueRecorder) IncQueueWaits()        {}

// RunRecorder counts per-unit outcomes of a run.
type RunRecorder interface {
	IncVMsCreated()
	IncVMFailures()
	IncTestsCompleted()
	IncTestsFailed()
	IncDeleteFailures()
	IncBatches()
}

type NoopRunRecorder struct{}

func (NoopRunRecorder) IncVMsCreated()     {}
func (NoopRunRecorder) IncVMFailures()     {}
func (NoopRunRecorder) IncTestsCompleted() {}
func (NoopRunRecorder) IncTestsFailed()    {}
func (NoopRunRecorder) IncDeleteFailures() {}
func (NoopRunRecorder) IncBatches()        {}
