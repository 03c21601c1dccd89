package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_ws_connections",
		Help: "Current number of active websocket connections on this instance",
	})
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_messages_total",
		Help: "Chat send attempts by outcome code",
	}, []string{"outcome"})
	ForcedDisconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_forced_disconnects_total",
		Help: "Connections closed by the server, by reason",
	}, []string{"reason"})
	FanoutFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_fanout_frames_total",
		Help: "Fan-out frames by direction",
	}, []string{"direction"})
	RefreshRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_refresh_rotations_total",
		Help: "Refresh credential rotations by outcome",
	}, []string{"outcome"})
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
	prometheus.MustRegister(WsConnections, MessagesTotal, ForcedDisconnects, FanoutFrames,
		RefreshRotations, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
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
