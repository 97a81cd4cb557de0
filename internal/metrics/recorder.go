// Package metrics defines the observability hooks used by the controller
// and their Prometheus implementation.
package metrics

import "time"

// Result labels for command and tick counters.
const (
	ResultSuccess = "success"
	ResultTimeout = "timeout"
	ResultFailure = "failure"
)

// Recorder receives controller metrics. NoopRecorder is used when metrics are
// disabled.
type Recorder interface {
	ObserveCommand(kind, command, result string, d time.Duration)
	IncPollTick(result string)
	IncReadings(group string, n int)
	IncIrrigationTransition(status string)
	SetPendingJoins(n int)
	SetScheduledTasks(scheduler string, n int)
	IncPlannerCycle(result string)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) ObserveCommand(string, string, string, time.Duration) {}
func (NoopRecorder) IncPollTick(string)                                   {}
func (NoopRecorder) IncReadings(string, int)                              {}
func (NoopRecorder) IncIrrigationTransition(string)                       {}
func (NoopRecorder) SetPendingJoins(int)                                  {}
func (NoopRecorder) SetScheduledTasks(string, int)                        {}
func (NoopRecorder) IncPlannerCycle(string)                               {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
