package adminapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linebus_admin_ws_connections_active",
		Help: "Currently active admin dashboard WebSocket connections.",
	})
	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linebus_admin_ws_messages_total",
		Help: "Total peer-event messages broadcast to dashboards.",
	})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linebus_admin_http_request_duration_seconds",
		Help:    "Admin HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linebus_admin_http_requests_total",
		Help: "Total admin HTTP requests.",
	}, []string{"method", "route", "status"})
)

// recordRequest is called from the router's metrics middleware; route
// must be the matched route pattern (bounded cardinality), never the raw
// path.
func recordRequest(method, route string, status int, d time.Duration) {
	requestLatency.WithLabelValues(method, route).Observe(d.Seconds())
	requestsTotal.WithLabelValues(method, route, http.StatusText(status)).Inc()
}
