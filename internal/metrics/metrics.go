// ABOUTME: Prometheus metrics for the bridge pipelines, realtime delivery and gRPC streams
// ABOUTME: Implements bridge.Observer and realtime.PublishObserver on a dedicated registry

package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/2389/wabridge/internal/bridge"
)

const namespace = "wabridge"

// Metrics holds every collector the bridge exports.
type Metrics struct {
	registry *prometheus.Registry

	WebhookEvents     *prometheus.CounterVec
	Dispatches        *prometheus.CounterVec
	StepSeconds       *prometheus.HistogramVec
	RealtimePublishes *prometheus.CounterVec
	DroppedEvents     *prometheus.CounterVec
	GRPCStreamsActive prometheus.Gauge
	GRPCStreamsTotal  *prometheus.CounterVec
}

// New creates a Metrics on a fresh registry with Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound events by final pipeline state.",
		}, []string{"state", "duplicate"}),

		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Outbound sends by result.",
		}, []string{"result"}),

		StepSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_step_duration_seconds",
			Help:      "Duration of pipeline steps.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"step"}),

		RealtimePublishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_publishes_total",
			Help:      "Realtime deliveries by sink and result.",
		}, []string{"sink", "result"}),

		DroppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_dropped_events_total",
			Help:      "Events dropped for slow local subscribers.",
		}, []string{"topic"}),

		GRPCStreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grpc_streams_active",
			Help:      "Open gRPC server streams.",
		}),

		GRPCStreamsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_streams_total",
			Help:      "Completed gRPC server streams by method and status.",
		}, []string{"method", "status"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterSubscriberGauge exports a gauge read from fn at scrape time.
func (m *Metrics) RegisterSubscriberGauge(fn func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_subscribers",
		Help:      "Connected local realtime subscribers.",
	}, func() float64 { return float64(fn()) })
}

func (m *Metrics) IngestOutcome(state bridge.State, duplicate bool) {
	m.WebhookEvents.WithLabelValues(string(state), strconv.FormatBool(duplicate)).Inc()
}

func (m *Metrics) DispatchOutcome(result string) {
	m.Dispatches.WithLabelValues(result).Inc()
}

func (m *Metrics) StepDuration(step string, d time.Duration) {
	m.StepSeconds.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) RealtimePublish(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RealtimePublishes.WithLabelValues(sink, result).Inc()
}

// EventDropped is installed as the broadcaster's drop callback.
func (m *Metrics) EventDropped(topic string) {
	m.DroppedEvents.WithLabelValues(topic).Inc()
}

// StreamInterceptor tracks open and completed gRPC streams.
func (m *Metrics) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.GRPCStreamsActive.Inc()
		defer m.GRPCStreamsActive.Dec()

		err := handler(srv, ss)

		status := "ok"
		if err != nil && !errors.Is(ss.Context().Err(), context.Canceled) {
			status = "error"
		}
		m.GRPCStreamsTotal.WithLabelValues(info.FullMethod, status).Inc()
		return err
	}
}
