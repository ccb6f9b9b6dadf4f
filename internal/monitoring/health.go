package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-distill/internal/logger"
)

// HealthStatus represents the health status of the trainer process
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Training  Progress      `json:"training"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// Progress is the snapshot of a training run published after every step.
type Progress struct {
	RunID         string    `json:"run_id"`
	Model         string    `json:"model"`
	State         string    `json:"state"` // starting, training, evaluating, testing, done, failed
	Epoch         int       `json:"epoch"`
	NumEpochs     int       `json:"num_epochs"`
	Step          int       `json:"step"`
	EpochSteps    int       `json:"epoch_steps"`
	Phase         string    `json:"phase"`
	LearningRate  float64   `json:"learning_rate"`
	Loss          float64   `json:"loss"`
	RunningAcc    float64   `json:"running_acc"`
	BestValAcc    float64   `json:"best_val_acc"`
	Checkpoints   int       `json:"checkpoints"`
	SkippedSteps  int       `json:"skipped_steps"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Alert represents a training alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // loss, scheduler, checkpoint, data
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

const maxAlerts = 100

// HealthMonitor serves health, status and Prometheus metrics for a run.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	progress  atomic.Pointer[Progress]

	mu     sync.RWMutex
	alerts []Alert
}

func NewHealthMonitor() *HealthMonitor {
	hm := &HealthMonitor{
		startTime: time.Now(),
		alerts:    make([]Alert, 0),
	}
	hm.progress.Store(&Progress{State: "starting"})
	return hm
}

// Router exposes the monitor's endpoints.
func (hm *HealthMonitor) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", hm.handleHealth)
	r.Get("/healthz", hm.handleHealth)
	r.Get("/status", hm.handleDetailedStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Get("/alerts", hm.handleAlerts)
		r.Post("/clear-alerts", hm.handleClearAlerts)
		r.Post("/alerts/{index}/resolve", hm.handleResolveAlert)
	})
	return r
}

// Start serves on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return hm.Serve(ln)
}

func (hm *HealthMonitor) Serve(ln net.Listener) error {
	hm.server = &http.Server{
		Handler:      hm.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("Health monitor starting", "addr", ln.Addr().String())
	err := hm.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// SetProgress publishes p, stamping its update time.
func (hm *HealthMonitor) SetProgress(p Progress) {
	p.LastUpdatedAt = time.Now()
	hm.progress.Store(&p)
}

func (hm *HealthMonitor) Progress() Progress {
	return *hm.progress.Load()
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}

	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert reports whether index named an alert.
func (hm *HealthMonitor) ResolveAlert(index int) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index < 0 || index >= len(hm.alerts) {
		return false
	}
	now := time.Now()
	hm.alerts[index].Resolved = true
	hm.alerts[index].ResolvedAt = &now
	return true
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.getHealthStatus())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.snapshotAlerts())
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

func (hm *HealthMonitor) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "invalid alert index", http.StatusBadRequest)
		return
	}
	if !hm.ResolveAlert(index) {
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (hm *HealthMonitor) snapshotAlerts() []Alert {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	return alerts
}

// Health status calculation

func (hm *HealthMonitor) getHealthStatus() HealthStatus {
	alerts := hm.snapshotAlerts()

	status := "healthy"
	for _, alert := range alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System:    getSystemInfo(),
		Training:  hm.Progress(),
		Alerts:    alerts,
	}
}

func getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}
