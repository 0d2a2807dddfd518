package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/esg-pipeline/pkg/messaging"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface and the pipeline.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	deadLetters     *prometheus.CounterVec
	outboxPublished prometheus.Counter
	outboxBacklog   prometheus.Gauge
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	messagesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_messages_total",
		Help: "Deliveries settled by consumers, by queue and outcome",
	}, []string{"queue", "outcome"})

	handlerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_handler_duration_seconds",
		Help:    "Duration of consumer handler calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_dead_letters_total",
		Help: "Deliveries moved to the dead-letter exchange",
	}, []string{"queue"})

	outboxPublished := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_outbox_published_total",
		Help: "Outbox messages published to the broker",
	})

	outboxBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_outbox_backlog",
		Help: "Outbox messages waiting to be published",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, messagesTotal, handlerDuration, deadLetters, outboxPublished, outboxBacklog, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		messagesTotal:   messagesTotal,
		handlerDuration: handlerDuration,
		deadLetters:     deadLetters,
		outboxPublished: outboxPublished,
		outboxBacklog:   outboxBacklog,
	}
}

// Registry exposes the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveDelivery implements messaging.Observer.
func (m *MetricsService) ObserveDelivery(queue, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(queue, outcome).Inc()
	m.handlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
	if outcome == messaging.OutcomeDeadLettered {
		m.deadLetters.WithLabelValues(queue).Inc()
	}
}

// ObserveOutboxPublished counts relayed outbox messages.
func (m *MetricsService) ObserveOutboxPublished(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outboxPublished.Add(float64(n))
}

// SetOutboxBacklog records the number of unpublished outbox messages.
func (m *MetricsService) SetOutboxBacklog(n int) {
	if m == nil {
		return
	}
	m.outboxBacklog.Set(float64(n))
}
