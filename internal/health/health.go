// Package health serves the read-only status surface: /health probes and the
// Prometheus /metrics endpoint on the companion HTTP port.
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"steward/internal/logging"
	"steward/internal/observe"
	"steward/internal/store"
)

// Status values for the overall report and individual checks.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// BusStats is what the bus exposes to the health surface.
type BusStats interface {
	ConnectionCount() int
}

// Service aggregates probes into the health report.
type Service struct {
	store     *store.Store
	bus       BusStats
	obs       *observe.Registry
	dataDir   string
	logger    logging.Logger
	startedAt time.Time

	mu              sync.Mutex
	bridgeHeartbeat time.Time
}

// New creates the service. bus may be nil before the bus starts.
func New(st *store.Store, bus BusStats, obs *observe.Registry, dataDir string, logger logging.Logger) *Service {
	return &Service{
		store:     st,
		bus:       bus,
		obs:       obs,
		dataDir:   dataDir,
		logger:    logging.OrNop(logger),
		startedAt: time.Now().UTC(),
	}
}

// SetBus attaches the bus once it exists; the bus and the health service are
// constructed in opposite dependency order.
func (s *Service) SetBus(bus BusStats) {
	s.mu.Lock()
	s.bus = bus
	s.mu.Unlock()
}

// RecordBridgeHeartbeat notes adapter liveness. Called whenever a bridge
// connection authenticates or pings.
func (s *Service) RecordBridgeHeartbeat() {
	s.mu.Lock()
	s.bridgeHeartbeat = time.Now().UTC()
	s.mu.Unlock()
}

// Check is one probe result.
type Check struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the /health response body.
type Report struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
}

// Report runs every probe. The overall status is unhealthy when the store is
// down and degraded when any other probe is not ready.
func (s *Service) Report(ctx context.Context) *Report {
	report := &Report{
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]Check, 4),
	}

	report.Checks["store"] = s.probeStore(ctx)
	report.Checks["bus"] = s.probeBus()
	report.Checks["bridge"] = s.probeBridge()
	report.Checks["filesystem"] = s.probeFilesystem()

	report.Status = StatusHealthy
	if report.Checks["store"].Status == StatusUnhealthy {
		report.Status = StatusUnhealthy
		return report
	}
	for _, check := range report.Checks {
		if check.Status != StatusHealthy {
			report.Status = StatusDegraded
			break
		}
	}
	return report
}

func (s *Service) probeStore(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		return Check{Status: StatusUnhealthy, Detail: err.Error()}
	}
	return Check{Status: StatusHealthy, Detail: s.store.Path()}
}

func (s *Service) probeBus() Check {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return Check{Status: StatusDegraded, Detail: "bus not started"}
	}
	check := Check{Status: StatusHealthy}
	if s.obs != nil {
		published, delivered, dropped := s.obs.Stats()
		check.Detail = formatBusDetail(bus.ConnectionCount(), published, delivered, dropped)
	}
	return check
}

func formatBusDetail(connections int, published, delivered, dropped int64) string {
	return fmt.Sprintf("connections=%d published=%d delivered=%d dropped=%d",
		connections, published, delivered, dropped)
}

func (s *Service) probeBridge() Check {
	s.mu.Lock()
	heartbeat := s.bridgeHeartbeat
	s.mu.Unlock()
	if heartbeat.IsZero() {
		// No adapter attached is a normal deployment shape.
		return Check{Status: StatusHealthy, Detail: "no adapter attached"}
	}
	return Check{Status: StatusHealthy, Detail: "last heartbeat " + heartbeat.Format(time.RFC3339)}
}

func (s *Service) probeFilesystem() Check {
	probe := filepath.Join(s.dataDir, ".health-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return Check{Status: StatusDegraded, Detail: "data dir not writable: " + err.Error()}
	}
	_ = os.Remove(probe)
	return Check{Status: StatusHealthy, Detail: s.dataDir}
}

// Router builds the health HTTP surface.
func (s *Service) Router(registry *prometheus.Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		report := s.Report(c.Request.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})
	if registry != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	return router
}
