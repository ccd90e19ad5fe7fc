package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tonkeeper/agent-relay/internal"
)

const healthCheckInterval = 5 * time.Second

// HealthChecker is implemented by dependencies the relay needs to serve
// requests: the identity key set and the optional Valkey store.
type HealthChecker interface {
	HealthCheck() error
}

// HealthManager keeps the last known health of the relay dependencies
type HealthManager struct {
	healthy  int64
	checkers []HealthChecker
}

func NewHealthManager(checkers ...HealthChecker) *HealthManager {
	return &HealthManager{healthy: 0, checkers: checkers}
}

// UpdateHealthStatus runs every checker and updates the status and metrics
func (h *HealthManager) UpdateHealthStatus() {
	var healthStatus int64 = 1
	for _, checker := range h.checkers {
		if err := checker.HealthCheck(); err != nil {
			log.WithField("prefix", "HealthManager").Warnf("health check failed: %v", err)
			healthStatus = 0
			break
		}
	}

	atomic.StoreInt64(&h.healthy, healthStatus)
	HealthMetric.Set(float64(healthStatus))
	ReadyMetric.Set(float64(healthStatus))
}

// StartHealthMonitoring re-checks health periodically until ctx is done
func (h *HealthManager) StartHealthMonitoring(ctx context.Context) {
	h.UpdateHealthStatus()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.UpdateHealthStatus()
		}
	}
}

func (h *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Build-Commit", internal.RelayVersionRevision)

	if atomic.LoadInt64(&h.healthy) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := fmt.Fprintf(w, `{"status":"unhealthy"}`+"\n"); err != nil {
			log.Errorf("health response write error: %v", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, `{"status":"ok"}`+"\n"); err != nil {
		log.Errorf("health response write error: %v", err)
	}
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Build-Commit", internal.RelayVersionRevision)

	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, `{"version":"%s"}`+"\n", internal.RelayVersionRevision); err != nil {
		log.Errorf("version response write error: %v", err)
	}
}
