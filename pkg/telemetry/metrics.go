package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the delivery core. Registered on the default
// registry; served by promhttp at /metrics.
var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinchat_messages_sent_total",
		Help: "Messages accepted by the gateway and persisted.",
	})

	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinchat_messages_delivered_total",
		Help: "Messages confirmed delivered, by path (direct|drain|sweep).",
	}, []string{"path"})

	MessagesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twinchat_messages_queued_total",
		Help: "Messages enqueued for offline recipients.",
	})

	QueueTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinchat_queue_terminal_total",
		Help: "Queue entries reaching a terminal status.",
	}, []string{"status"})

	OnlineSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twinchat_online_sessions",
		Help: "Currently connected websocket sessions.",
	})

	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinchat_ratelimit_denials_total",
		Help: "Admission denials by event category.",
	}, []string{"category"})

	RetentionRuns = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "twinchat_retention_run_seconds",
		Help:    "Duration of retention sweeper runs.",
		Buckets: prometheus.DefBuckets,
	})

	RetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twinchat_retention_deleted_total",
		Help: "Records removed by the retention sweeper, by kind (soft|hard|queue).",
	}, []string{"kind"})
)
