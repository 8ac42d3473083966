package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zot/tablebridge/internal/manager"
	"github.com/zot/tablebridge/internal/protocol"
)

const namespace = "tablebridge"

// Metrics holds the bridge's prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Requests         *prometheus.CounterVec
	RequestDuration  prometheus.Histogram
	ExchangeDuration prometheus.Histogram
	FramesReceived   prometheus.Counter
	FramesSent       prometheus.Counter
}

// NewMetrics registers the collectors. sessions and depth are sampled at
// scrape time.
func NewMetrics(sessions, depth func() int) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests executed on the dispatch queue, by result code",
		}, []string{"code"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from a request being queued to its result being posted",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		ExchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from a request frame arriving to its final frame being written",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 12),
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound websocket frames",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound websocket frames",
		}),
	}
	m.Registry.MustRegister(
		m.Requests,
		m.RequestDuration,
		m.ExchangeDuration,
		m.FramesReceived,
		m.FramesSent,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Open sessions",
		}, func() float64 { return float64(sessions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting on the dispatch queue",
		}, func() float64 { return float64(depth()) }),
	)
	return m
}

// Observe is a manager.CompleteFunc.
func (m *Metrics) Observe(clientID string, id int64, elapsed time.Duration, err error) {
	code := "ok"
	var me *manager.Error
	if errors.As(err, &me) {
		code = me.Code
	} else if err != nil {
		code = protocol.CodeEngine
	}
	m.Requests.WithLabelValues(code).Inc()
	m.RequestDuration.Observe(elapsed.Seconds())
}

// Hooks counts frames in both directions.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnReceive: func(string, []byte) { m.FramesReceived.Inc() },
		OnSend:    func(string, protocol.Response) { m.FramesSent.Inc() },
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
