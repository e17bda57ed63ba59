package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zsiec/hwcodec/internal/logger"
)

// Status represents the health status of a component.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

const checkTimeout = 5 * time.Second

// Check represents a health check result.
type Check struct {
	Name        string                 `json:"name"`
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"-"`
	DurationMS  float64                `json:"duration_ms"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Checker is the interface that health checkers must implement.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// DegradedError marks a check failure that does not take the service down.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string { return e.Reason }

// Degraded returns an error reporting the component as degraded.
func Degraded(reason string) error {
	return &DegradedError{Reason: reason}
}

// Detailer is implemented by checkers that attach state to their result.
type Detailer interface {
	Details(ctx context.Context) map[string]interface{}
}

// Manager runs registered checkers and keeps their latest results.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	results  map[string]Check
	logger   logger.Logger
}

func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Manager{
		results: make(map[string]Check),
		logger:  log.WithField("component", "health"),
	}
}

func (m *Manager) Register(checker Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, checker)
	m.mu.Unlock()
	m.logger.WithField("checker", checker.Name()).Debug("Registered health checker")
}

// RunChecks runs every checker concurrently, each under its own timeout,
// and records the results.
func (m *Manager) RunChecks(ctx context.Context) map[string]*Check {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	checks := make([]Check, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			checks[i] = m.runOne(ctx, c)
		}(i, c)
	}
	wg.Wait()

	out := make(map[string]*Check, len(checks))
	m.mu.Lock()
	for i := range checks {
		m.results[checks[i].Name] = checks[i]
		out[checks[i].Name] = &checks[i]
	}
	m.mu.Unlock()
	return out
}

func (m *Manager) runOne(ctx context.Context, c Checker) Check {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	duration := time.Since(start)

	check := Check{
		Name:        c.Name(),
		Status:      StatusOK,
		LastChecked: time.Now(),
		Duration:    duration,
		DurationMS:  float64(duration.Microseconds()) / 1000,
	}
	if d, ok := c.(Detailer); ok {
		check.Details = d.Details(ctx)
	}

	log := m.logger.WithFields(map[string]interface{}{
		"checker":  check.Name,
		"duration": duration,
	})
	var degraded *DegradedError
	switch {
	case err == nil:
		log.Debug("Health check passed")
	case errors.As(err, &degraded):
		check.Status = StatusDegraded
		check.Message = degraded.Reason
		log.Warn("Health check degraded: " + degraded.Reason)
	case errors.Is(err, context.DeadlineExceeded):
		check.Status = StatusDown
		check.Message = "Health check timed out"
		log.WithError(err).Error("Health check failed")
	default:
		check.Status = StatusDown
		check.Message = err.Error()
		log.WithError(err).Error("Health check failed")
	}
	return check
}

// GetResults returns copies of the latest results.
func (m *Manager) GetResults() map[string]*Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*Check, len(m.results))
	for name, c := range m.results {
		out[name] = &c
	}
	return out
}

// GetOverallStatus is the worst status among the latest results, or down
// when nothing has run yet.
func (m *Manager) GetOverallStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.results) == 0 {
		return StatusDown
	}
	overall := StatusOK
	for _, c := range m.results {
		if severity(c.Status) > severity(overall) {
			overall = c.Status
		}
	}
	return overall
}

func severity(s Status) int {
	switch s {
	case StatusOK:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// StartPeriodicChecks runs the checks now and then every interval until
// ctx is done.
func (m *Manager) StartPeriodicChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.RunChecks(ctx)
	for {
		select {
		case <-ticker.C:
			m.RunChecks(ctx)
		case <-ctx.Done():
			m.logger.Info("Stopping periodic health checks")
			return
		}
	}
}
