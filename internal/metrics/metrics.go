package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the engine and transport.
type Metrics struct {
	FeedEvents      *prometheus.CounterVec
	Broadcasts      *prometheus.CounterVec
	Alerts          *prometheus.CounterVec
	WSClients       prometheus.Gauge
	RecorderQueue   prometheus.Gauge
	RecorderDropped prometheus.Counter
}

// New creates and registers all instruments on reg. Pass
// prometheus.DefaultRegisterer in main; tests use their own registry so
// repeated New calls do not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FeedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalpwatch_feed_events_total",
			Help: "Inbound feed events by kind",
		}, []string{"kind"}),

		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalpwatch_broadcasts_total",
			Help: "Outbound websocket frames by type",
		}, []string{"type"}),

		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalpwatch_alerts_total",
			Help: "Alerts raised by detector",
		}, []string{"detector"}),

		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scalpwatch_ws_clients",
			Help: "Connected websocket clients",
		}),

		RecorderQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scalpwatch_recorder_queue_depth",
			Help: "Entries waiting in the recording write queue",
		}),

		RecorderDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "scalpwatch_recorder_dropped_total",
			Help: "Recording entries dropped because the write queue was full",
		}),
	}
}

func (m *Metrics) RecordFeedEvent(kind string) { m.FeedEvents.WithLabelValues(kind).Inc() }

func (m *Metrics) RecordBroadcast(typ string) { m.Broadcasts.WithLabelValues(typ).Inc() }

func (m *Metrics) RecordAlert(detector string) { m.Alerts.WithLabelValues(detector).Inc() }
