package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cosimbridge"

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Exchange holds the metrics of the co-simulation exchange. A nil *Exchange
// records nothing.
type Exchange struct {
	stepsExchanged prometheus.Counter
	simulationTime prometheus.Gauge
	stepDuration   prometheus.Histogram
	settleDuration prometheus.Histogram
	settleTimeouts prometheus.Counter
	protocolErrors *prometheus.CounterVec
	terminations   *prometheus.CounterVec
	pointWrites    *prometheus.CounterVec
	lastExchange   prometheus.Gauge
}

// NewExchange creates and registers the exchange metrics. It returns nil
// when reg is nil.
func NewExchange(reg prometheus.Registerer) *Exchange {
	if reg == nil {
		return nil
	}

	m := &Exchange{
		stepsExchanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "steps_total",
			Help:      "Total timesteps answered to the simulation",
		}),
		simulationTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "simulation_time_seconds",
			Help:      "Last simulation time reported by the engine",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "step_duration_seconds",
			Help:      "Time from receiving a step to sending the answer",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
		settleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "settle_duration_seconds",
			Help:      "Time spent waiting for the bus to settle a step",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
		settleTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "settle_timeouts_total",
			Help:      "Steps answered after the settlement timeout expired",
		}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "protocol_errors_total",
			Help:      "Malformed messages received from the simulation",
		}, []string{"kind"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "terminations_total",
			Help:      "Simulation runs ended, by reason",
		}, []string{"reason"}),
		pointWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "points",
			Name:      "writes_total",
			Help:      "External point writes, by result",
		}, []string{"result"}),
		lastExchange: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "last_step_timestamp",
			Help:      "Unix timestamp of the last answered step",
		}),
	}

	reg.MustRegister(
		m.stepsExchanged,
		m.simulationTime,
		m.stepDuration,
		m.settleDuration,
		m.settleTimeouts,
		m.protocolErrors,
		m.terminations,
		m.pointWrites,
		m.lastExchange,
	)

	return m
}

// StepAnswered records one completed exchange.
func (m *Exchange) StepAnswered(simTime float64, took time.Duration) {
	if m == nil {
		return
	}
	m.stepsExchanged.Inc()
	m.simulationTime.Set(simTime)
	m.stepDuration.Observe(took.Seconds())
	m.lastExchange.SetToCurrentTime()
}

// Settled records the time spent waiting for settlement.
func (m *Exchange) Settled(took time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.settleDuration.Observe(took.Seconds())
	if timedOut {
		m.settleTimeouts.Inc()
	}
}

// ProtocolError counts a malformed message.
func (m *Exchange) ProtocolError(kind string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(kind).Inc()
}

// Terminated counts the end of a run.
func (m *Exchange) Terminated(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
}

// PointWrite counts an external write by its result code.
func (m *Exchange) PointWrite(result string) {
	if m == nil {
		return
	}
	m.pointWrites.WithLabelValues(result).Inc()
}
