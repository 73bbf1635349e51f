package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	DeliveryAttemptsTotal     *prometheus.CounterVec
	ChannelSendDuration       *prometheus.HistogramVec
	ChannelRetriesTotal       *prometheus.CounterVec
	BreakerTransitionsTotal   *prometheus.CounterVec
	RateLimitRejectionsTotal  *prometheus.CounterVec
	FeedbackResponsesTotal    *prometheus.CounterVec
	FeedbackRequestsExpired   prometheus.Counter
	ActiveSessionsGauge       prometheus.Gauge
	PendingFeedbackGauge      prometheus.Gauge
	ChannelInitializations    *prometheus.CounterVec
}

// NewMetrics registers the relay metric bundle on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers on a caller-supplied registry so tests
// can use a private one without collector name collisions.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DeliveryAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_delivery_attempts_total",
			Help: "Total number of message delivery attempts",
		}, []string{"channel", "status"}),
		ChannelSendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_channel_send_duration_seconds",
			Help:    "Time taken for channel send operations including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		ChannelRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_channel_retries_total",
			Help: "Total number of channel operation retries",
		}, []string{"channel"}),
		BreakerTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		}, []string{"channel", "state"}),
		RateLimitRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		}, []string{"level"}),
		FeedbackResponsesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_feedback_responses_total",
			Help: "Total number of feedback responses processed",
		}, []string{"outcome"}),
		FeedbackRequestsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_feedback_requests_expired_total",
			Help: "Total number of feedback requests flipped to expired",
		}),
		ActiveSessionsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of active sessions",
		}),
		PendingFeedbackGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_feedback_requests",
			Help: "Current number of pending feedback requests",
		}),
		ChannelInitializations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_channel_initializations_total",
			Help: "Total number of channel initializations",
		}, []string{"channel", "result"}),
	}
}
