package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "instaup_ws_connections",
		Help: "Current number of registered websocket connections",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instaup_messages_total",
		Help: "Total number of chat messages persisted",
	})
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instaup_events_delivered_total",
		Help: "Realtime events handed to a connection",
	}, []string{"event"})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instaup_events_dropped_total",
		Help: "Realtime events dropped because the user was offline or slow",
	}, []string{"event"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instaup_jobs_completed_total",
		Help: "Jobs that ran successfully",
	}, []string{"name"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instaup_jobs_failed_total",
		Help: "Job attempts that failed and were rescheduled",
	}, []string{"name"})
	StoriesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instaup_stories_expired_total",
		Help: "Stories removed after their lifetime ended",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, MessagesTotal,
		EventsDelivered, EventsDropped,
		JobsCompleted, JobsFailed, StoriesExpired,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 按路由统计请求数和耗时，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
