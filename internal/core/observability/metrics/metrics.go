// Package metrics holds the Prometheus collectors of a scenesync instance.
// Every instance owns a private registry so tests and embedded servers never
// collide on the global one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeusync/scenesync/internal/core/events/bus"
)

const namespace = "scenesync"

// Command results used as the "result" label.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	CommandsTotal     *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	AssetsLoaded      prometheus.Gauge
	AssetSaves        *prometheus.CounterVec
	ClientsConnected  prometheus.Gauge
	MessagesReceived  *prometheus.CounterVec
	BroadcastFailures prometheus.Counter
	Resyncs           prometheus.Counter
	BusEvents         *prometheus.CounterVec
	BusHandlerErrors  prometheus.Counter
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Scene commands executed, by command and result",
		}, []string{"command", "result"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent applying a scene command on its asset worker",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"command"}),
		AssetsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assets_loaded",
			Help:      "Scene assets currently held in memory",
		}),
		AssetSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_saves_total",
			Help:      "Asset persistence attempts, by result",
		}, []string{"result"}),
		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Open client connections",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Protocol messages received, by type",
		}, []string{"type"}),
		BroadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Messages that could not be delivered to a subscribed client",
		}),
		Resyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Snapshots sent in answer to a resync request",
		}),
		BusEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Events published on the internal event bus, by type",
		}, []string{"type"}),
		BusHandlerErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_errors_total",
			Help:      "Event deliveries where at least one handler failed",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCommand records one command execution.
func (m *Metrics) ObserveCommand(command string, took time.Duration, err error) {
	result := ResultOK
	if err != nil {
		result = ResultFailed
	}
	m.CommandsTotal.WithLabelValues(command, result).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(took.Seconds())
}

// BusObserver returns an observer counting the events of b.
func (m *Metrics) BusObserver() bus.EventBusObserver {
	return busObserver{m: m}
}

type busObserver struct {
	m *Metrics
}

func (o busObserver) OnPublish(_, eventType string, _ bus.Event) {
	o.m.BusEvents.WithLabelValues(eventType).Inc()
}

func (o busObserver) OnDelivered(_, _ string, _ int, err error, _ time.Duration) {
	if err != nil {
		o.m.BusHandlerErrors.Inc()
	}
}
