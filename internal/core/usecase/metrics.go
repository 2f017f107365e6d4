package usecase

// Metrics is the observation surface the engine reports into. The
// Prometheus implementation lives in observability; a nil value is
// replaced by a no-op.
type Metrics interface {
	RecordClassification(intent, method string)
	RecordSearch(route string, hit bool)
	RecordStateTransition(from, to string)
	RecordRerankFallback()
}

type noopMetrics struct{}

func (noopMetrics) RecordClassification(string, string) {}
func (noopMetrics) RecordSearch(string, bool)           {}
func (noopMetrics) RecordStateTransition(string, string) {}
func (noopMetrics) RecordRerankFallback() {}
