package web

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HandleHealthz pings every named checker and reports 503 when any fails.
func HandleHealthz(logger *zap.Logger, checkers map[string]HealthChecker) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(contextGin *gin.Context) {
		checkContext, cancel := context.WithTimeout(contextGin.Request.Context(), healthCheckTimeout)
		defer cancel()

		statuses := make(gin.H, len(names))
		healthy := true
		for _, name := range names {
			if err := checkers[name].Ping(checkContext); err != nil {
				healthy = false
				statuses[name] = "unavailable"
				logger.Warn("health check failed",
					zap.String("code", "health.check_failed"),
					zap.String("component", name),
					zap.Error(err))
				continue
			}
			statuses[name] = "ok"
		}
		if !healthy {
			contextGin.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": statuses})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok", "checks": statuses})
	}
}

// HandleMetrics exposes gatherer in the Prometheus text format.
func HandleMetrics(gatherer prometheus.Gatherer) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
