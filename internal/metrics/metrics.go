package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the relay's Prometheus instruments. A nil *Metrics is a
// valid no-op so components can run without instrumentation.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	DeliveryFailures  prometheus.Counter
	QueueDepth        prometheus.Gauge
	FlushesTotal      *prometheus.CounterVec
	FlushedActions    prometheus.Counter
	FlushDuration     prometheus.Histogram
	CollectedActions  prometheus.Counter
	CollectFailures   prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

func New() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "canvasrelay_active_connections",
				Help: "Current number of authenticated websocket connections",
			}),
			ActiveRooms: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "canvasrelay_active_rooms",
				Help: "Current number of rooms with at least one member",
			}),
			FramesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "canvasrelay_frames_total",
				Help: "Client frames processed by the hub, by type",
			}, []string{"type"}),
			FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "canvasrelay_frames_dropped_total",
				Help: "Client frames dropped before dispatch, by reason",
			}, []string{"reason"}),
			DeliveryFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasrelay_delivery_failures_total",
				Help: "Outbound frames dropped because a recipient could not take them",
			}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "canvasrelay_write_queue_depth",
				Help: "Actions waiting in the durable write buffer",
			}),
			FlushesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "canvasrelay_flushes_total",
				Help: "Write buffer flush attempts, by result",
			}, []string{"result"}),
			FlushedActions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasrelay_flushed_actions_total",
				Help: "Actions persisted by the write buffer",
			}),
			FlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "canvasrelay_flush_duration_seconds",
				Help:    "Duration of bulk inserts issued by the write buffer",
				Buckets: prometheus.DefBuckets,
			}),
			CollectedActions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasrelay_collected_actions_total",
				Help: "Retracted actions deleted from storage after a room emptied",
			}),
			CollectFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasrelay_collect_failures_total",
				Help: "Failed garbage-collection deletes",
			}),
		}
	})
	return metricsInstance
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) SetActiveRooms(n int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(n))
}

func (m *Metrics) RecordFrame(frameType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) RecordFlush(ok bool, actions int, seconds float64) {
	if m == nil {
		return
	}
	m.FlushDuration.Observe(seconds)
	if !ok {
		m.FlushesTotal.WithLabelValues("error").Inc()
		return
	}
	m.FlushesTotal.WithLabelValues("ok").Inc()
	m.FlushedActions.Add(float64(actions))
}

func (m *Metrics) RecordCollect(deleted int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CollectFailures.Inc()
		return
	}
	m.CollectedActions.Add(float64(deleted))
}
