package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the state of one dependency or of the whole service
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// rank orders statuses from best to worst
func (s HealthStatus) rank() int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	default:
		return 2
	}
}

// HealthCheck is the outcome of probing one dependency
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// HealthReport aggregates every registered check
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Checks    []HealthCheck  `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// HealthChecker probes one dependency
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

// HealthManager runs the registered checkers concurrently under a shared timeout
type HealthManager struct {
	service  string
	version  string
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	timeout  time.Duration
}

// NewHealthManager creates a manager with a 5s per-check timeout
func NewHealthManager(serviceName, serviceVersion string) *HealthManager {
	return &HealthManager{
		service:  serviceName,
		version:  serviceVersion,
		checkers: make(map[string]HealthChecker),
		timeout:  5 * time.Second,
	}
}

// RegisterChecker adds or replaces the checker stored under name
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// SetTimeout bounds every individual check
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.timeout = timeout
}

// CheckHealth probes every dependency. The overall status is the worst
// status reported.
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	timeout := hm.timeout
	names := make([]string, 0, len(hm.checkers))
	checkers := make([]HealthChecker, 0, len(hm.checkers))
	for name, c := range hm.checkers {
		names = append(names, name)
		checkers = append(checkers, c)
	}
	hm.mu.RUnlock()

	checks := make([]HealthCheck, len(checkers))
	var wg sync.WaitGroup
	for i := range checkers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			c := checkers[i].Check(checkCtx)
			c.Name = names[i]
			c.LastChecked = start
			c.Duration = time.Since(start)
			checks[i] = c
		}(i)
	}
	wg.Wait()

	sort.Slice(checks, func(a, b int) bool { return checks[a].Name < checks[b].Name })

	report := &HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Service:   hm.service,
		Version:   hm.version,
		Checks:    checks,
		Summary:   make(map[string]int),
	}
	for _, c := range checks {
		report.Summary[string(c.Status)]++
		if c.Status.rank() > report.Status.rank() {
			report.Status = c.Status
		}
	}
	return report
}

// HTTPHandler serves the report. Only an unhealthy service answers 503.
func (hm *HealthManager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		status := http.StatusOK
		if report.Status == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}

// DatabaseHealthChecker pings the consent database and reports pool pressure
type DatabaseHealthChecker struct {
	db *sql.DB
}

// NewDatabaseHealthChecker creates a checker over db
func NewDatabaseHealthChecker(db *sql.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db}
}

// Check implements HealthChecker
func (dhc *DatabaseHealthChecker) Check(ctx context.Context) HealthCheck {
	if err := dhc.db.PingContext(ctx); err != nil {
		return HealthCheck{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("Database connection failed: %v", err),
		}
	}

	stats := dhc.db.Stats()
	check := HealthCheck{
		Status:  HealthStatusHealthy,
		Message: "Database connection healthy",
		Details: map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
		},
	}
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		check.Status = HealthStatusDegraded
		check.Message = "Database connection pool exhausted"
	}
	return check
}

// Pinger is any dependency that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingHealthChecker checks a dependency through its Ping method. Critical
// dependencies report unhealthy on failure, others degraded.
type PingHealthChecker struct {
	pinger   Pinger
	critical bool
}

// NewPingHealthChecker creates a ping based checker
func NewPingHealthChecker(pinger Pinger, critical bool) *PingHealthChecker {
	return &PingHealthChecker{pinger: pinger, critical: critical}
}

// Check implements HealthChecker
func (phc *PingHealthChecker) Check(ctx context.Context) HealthCheck {
	details := map[string]interface{}{"critical": phc.critical}
	if err := phc.pinger.Ping(ctx); err != nil {
		status := HealthStatusDegraded
		if phc.critical {
			status = HealthStatusUnhealthy
		}
		return HealthCheck{Status: status, Message: fmt.Sprintf("Ping failed: %v", err), Details: details}
	}
	return HealthCheck{Status: HealthStatusHealthy, Message: "Dependency reachable", Details: details}
}
