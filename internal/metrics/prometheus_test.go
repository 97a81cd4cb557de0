package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.ObserveCommand("actuator", "set_valve", ResultSuccess, 120*time.Millisecond)
	r.ObserveCommand("actuator", "set_valve", ResultTimeout, 10*time.Second)
	r.IncPollTick(ResultFailure)
	r.IncReadings("weather", 3)
	r.IncReadings("weather", 0)
	r.SetPendingJoins(2)

	if got := testutil.ToFloat64(r.commands.WithLabelValues("actuator", "set_valve", ResultSuccess)); got != 1 {
		t.Errorf("success commands mismatch: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.commands.WithLabelValues("actuator", "set_valve", ResultTimeout)); got != 1 {
		t.Errorf("timeout commands mismatch: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.pollTicks.WithLabelValues(ResultFailure)); got != 1 {
		t.Errorf("poll ticks mismatch: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.readings.WithLabelValues("weather")); got != 3 {
		t.Errorf("readings mismatch: got %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.pendingJoins); got != 2 {
		t.Errorf("pending joins mismatch: got %v, want 2", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *PrometheusRecorder
	r.ObserveCommand("sensor", "send_sensordata", ResultSuccess, time.Second)
	r.IncPollTick(ResultSuccess)
	r.SetPendingJoins(1)

	if _, ok := OrNoop(nil).(NoopRecorder); !ok {
		t.Fatalf("OrNoop(nil) should return NoopRecorder")
	}
}
