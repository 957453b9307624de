package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_http_requests_total",
			Help: "Total number of HTTP requests processed by the presence service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "presence_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	onlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_online_users",
			Help: "Number of users with at least one live connection.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_ws_events_total",
			Help: "Total number of websocket events by name.",
		},
		[]string{"event"},
	)
	messagesDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_messages_dispatched_total",
			Help: "Total number of messages persisted and fanned out.",
		},
	)
	pushesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_pushes_dropped_total",
			Help: "Total number of pushes dropped because a connection buffer was full or closing.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		onlineUsers,
		wsEventsTotal,
		messagesDispatchedTotal,
		pushesDroppedTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func SetOnlineUsers(n int) {
	onlineUsers.Set(float64(n))
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncMessagesDispatched() {
	messagesDispatchedTotal.Inc()
}

func IncPushDropped() {
	pushesDroppedTotal.Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
