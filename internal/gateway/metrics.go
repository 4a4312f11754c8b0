package gateway

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agenttrust/station/internal/gateway/behavior"
)

var (
	gwActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_actions_total",
		Help: "Actions handled by the gateway, by action name and decision.",
	}, []string{"action", "decision"})

	gwBehaviorFlagsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_behavior_flags_total",
		Help: "Behavior flags raised, by flag type.",
	}, []string{"flag"})

	gwBlockedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_blocked_sessions",
		Help: "Live sessions currently blocked for behavioral violations.",
	})
)

func recordActionDecision(action, decision string) {
	gwActionsTotal.WithLabelValues(action, decision).Inc()
}

// ObserveBehavior wires a tracker's flag and block events into the
// gateway metrics.
func ObserveBehavior(t *behavior.Tracker) {
	t.SetListener(func(ev behavior.Event) {
		gwBehaviorFlagsTotal.WithLabelValues(string(ev.Flag)).Inc()
	})
	t.SetBlockObserver(func(delta int) {
		gwBlockedSessions.Add(float64(delta))
	})
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
