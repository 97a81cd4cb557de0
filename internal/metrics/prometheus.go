package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agriassist"

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	commands        *prom.CounterVec
	commandDuration *prom.HistogramVec
	pollTicks       *prom.CounterVec
	readings        *prom.CounterVec
	irrigation      *prom.CounterVec
	pendingJoins    prom.Gauge
	scheduledTasks  *prom.GaugeVec
	plannerCycles   *prom.CounterVec
}

// NewPrometheusRecorder creates the collectors and registers them on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		commands: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "device_commands_total",
			Help:      "Device command round trips by device kind, command and result",
		}, []string{"kind", "command", "result"}),
		commandDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "device_command_duration_seconds",
			Help:      "Duration of device command round trips",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"kind", "command"}),
		pollTicks: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Sensor poll ticks by result",
		}, []string{"result"}),
		readings: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_readings_total",
			Help:      "Persisted sensor readings by group",
		}, []string{"group"}),
		irrigation: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "irrigation_transitions_total",
			Help:      "Irrigation request status transitions by target status",
		}, []string{"status"}),
		pendingJoins: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_joins",
			Help:      "Join requests awaiting operator approval",
		}),
		scheduledTasks: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_tasks",
			Help:      "Scheduled task handles by scheduler",
		}, []string{"scheduler"}),
		plannerCycles: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "planner_cycles_total",
			Help:      "Water-balance planner cycles by result",
		}, []string{"result"}),
	}
	reg.MustRegister(pr.commands, pr.commandDuration, pr.pollTicks, pr.readings,
		pr.irrigation, pr.pendingJoins, pr.scheduledTasks, pr.plannerCycles)
	return pr
}

func (p *PrometheusRecorder) ObserveCommand(kind, command, result string, d time.Duration) {
	if p == nil {
		return
	}
	p.commands.WithLabelValues(kind, command, result).Inc()
	p.commandDuration.WithLabelValues(kind, command).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncPollTick(result string) {
	if p == nil {
		return
	}
	p.pollTicks.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncReadings(group string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.readings.WithLabelValues(group).Add(float64(n))
}

func (p *PrometheusRecorder) IncIrrigationTransition(status string) {
	if p == nil {
		return
	}
	p.irrigation.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) SetPendingJoins(n int) {
	if p == nil {
		return
	}
	p.pendingJoins.Set(float64(n))
}

func (p *PrometheusRecorder) SetScheduledTasks(scheduler string, n int) {
	if p == nil {
		return
	}
	p.scheduledTasks.WithLabelValues(scheduler).Set(float64(n))
}

func (p *PrometheusRecorder) IncPlannerCycle(result string) {
	if p == nil {
		return
	}
	p.plannerCycles.WithLabelValues(result).Inc()
}

// HTTPHandler serves the metrics registered on reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
