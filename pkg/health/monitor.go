// Package health runs the periodic liveness loop over supervised children
// and triggers policy-gated restarts when probes keep failing.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
	"github.com/fluidmcp/fluidmcp/pkg/supervisor"
)

// failureThreshold is the number of consecutive failed probes before the
// monitor intervenes. A single blip does not bounce a child.
const failureThreshold = 2

// Controller is the slice of the supervisor the monitor drives.
type Controller interface {
	List() []supervisor.Snapshot
	Status(id string) (supervisor.Snapshot, error)
	Restart(ctx context.Context, id string, reason string) error
	MayAutoRestart(id string) bool
}

// Status is the merged health view of one child: lifecycle state from the
// supervisor plus the latest probe outcome.
type Status struct {
	ID                  string  `json:"id"`
	Running             bool    `json:"running"`
	Healthy             bool    `json:"healthy"`
	Message             string  `json:"message"`
	RestartCount        int       `json:"restart_count"`
	UptimeSeconds       float64   `json:"uptime_seconds"`
	LastStart           time.Time `json:"last_start,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HasOOMMarker        bool      `json:"has_oom_marker"`
}

type probeResult struct {
	healthy bool
	message string
}

// Monitor probes children on a fixed interval. Children without a configured
// health path are judged by process liveness alone.
type Monitor struct {
	ctrl     Controller
	registry *config.ServerRegistry
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu       sync.Mutex
	failures map[string]int
	last     map[string]probeResult
}

// New creates a monitor. interval is the probe period.
func New(ctrl Controller, registry *config.ServerRegistry, interval time.Duration) *Monitor {
	probeTimeout := interval / 2
	if probeTimeout > 5*time.Second {
		probeTimeout = 5 * time.Second
	}
	return &Monitor{
		ctrl:     ctrl,
		registry: registry,
		interval: interval,
		client:   &http.Client{Timeout: probeTimeout},
		logger:   slog.Default().With("component", "health"),
		failures: make(map[string]int),
		last:     make(map[string]probeResult),
	}
}

// Run drives the probe loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Health monitor started", "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// probeAll runs one probe pass over every supervised child.
func (m *Monitor) probeAll(ctx context.Context) {
	for _, snap := range m.ctrl.List() {
		m.probeOne(ctx, snap)
	}
}

func (m *Monitor) probeOne(ctx context.Context, snap supervisor.Snapshot) {
	id := snap.ID

	if !snap.Running {
		m.record(id, probeResult{healthy: false, message: "process " + snap.Status}, true)
		return
	}

	cfg, err := m.registry.Get(id)
	if err != nil {
		return
	}
	if cfg.HealthPath == "" {
		m.record(id, probeResult{healthy: true, message: "process running"}, true)
		return
	}

	res := m.httpProbe(ctx, cfg)
	failing := m.record(id, res, res.healthy)
	if res.healthy || failing < failureThreshold {
		return
	}

	if !m.ctrl.MayAutoRestart(id) {
		m.logger.Warn("Child unhealthy but restart not permitted by policy",
			"server", id, "failures", failing, "message", res.message)
		return
	}

	m.logger.Warn("Child failed consecutive health probes, restarting",
		"server", id, "failures", failing, "message", res.message)
	m.resetFailures(id)
	if err := m.ctrl.Restart(ctx, id, supervisor.ReasonHealthCheck); err != nil {
		m.logger.Error("Health-driven restart failed", "server", id, "error", err)
	}
}

// httpProbe checks the child's HTTP surface on the loopback interface.
func (m *Monitor) httpProbe(ctx context.Context, cfg config.ServerConfig) probeResult {
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)

	if res := m.getOK(ctx, base+cfg.HealthPath); !res.healthy {
		return res
	}
	if cfg.CheckModels {
		if res := m.getOK(ctx, base+"/v1/models"); !res.healthy {
			return res
		}
	}
	return probeResult{healthy: true, message: "ok"}
}

func (m *Monitor) getOK(ctx context.Context, url string) probeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return probeResult{message: err.Error()}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return probeResult{message: fmt.Sprintf("probe %s: %v", url, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return probeResult{message: fmt.Sprintf("probe %s: status %d", url, resp.StatusCode)}
	}
	return probeResult{healthy: true, message: "ok"}
}

// record stores the probe outcome and updates the consecutive-failure
// counter. resetCounter clears it (probe passed, or the child is not running
// so probe failures are meaningless). Returns the current failure streak.
func (m *Monitor) record(id string, res probeResult, resetCounter bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[id] = res
	if resetCounter {
		m.failures[id] = 0
	} else {
		m.failures[id]++
	}
	return m.failures[id]
}

func (m *Monitor) resetFailures(id string) {
	m.mu.Lock()
	m.failures[id] = 0
	m.mu.Unlock()
}

// CheckNow probes one child immediately, outside the periodic loop, and
// returns the refreshed view. Driven by the health-check admin endpoint.
func (m *Monitor) CheckNow(ctx context.Context, id string) (Status, error) {
	snap, err := m.ctrl.Status(id)
	if err != nil {
		return Status{}, fluiderr.Wrap(fluiderr.KindNotFound, err, "server %q not found", id)
	}
	m.probeOne(ctx, snap)
	return m.Report(id)
}

// Report returns the merged health view for one child.
func (m *Monitor) Report(id string) (Status, error) {
	snap, err := m.ctrl.Status(id)
	if err != nil {
		return Status{}, fluiderr.Wrap(fluiderr.KindNotFound, err, "server %q not found", id)
	}
	return m.merge(snap), nil
}

// ReportAll returns the merged health view of every child, sorted by id.
func (m *Monitor) ReportAll() []Status {
	snaps := m.ctrl.List()
	out := make([]Status, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, m.merge(snap))
	}
	return out
}

func (m *Monitor) merge(snap supervisor.Snapshot) Status {
	m.mu.Lock()
	res, probed := m.last[snap.ID]
	failures := m.failures[snap.ID]
	m.mu.Unlock()

	st := Status{
		ID:                  snap.ID,
		Running:             snap.Running,
		RestartCount:        snap.RestartCount,
		UptimeSeconds:       snap.UptimeSeconds,
		LastStart:           snap.LastStart,
		ConsecutiveFailures: failures,
		HasOOMMarker:        snap.HasOOMMarker,
	}
	switch {
	case !snap.Running:
		st.Message = "process " + snap.Status
	case probed:
		st.Healthy = res.healthy
		st.Message = res.message
	default:
		// Running but not yet probed; report liveness optimistically.
		st.Healthy = true
		st.Message = "awaiting first probe"
	}
	return st
}
