package supervisor

import (
	"os/exec"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/jsonrpc"
	"github.com/fluidmcp/fluidmcp/pkg/stream"
)

// State is the lifecycle state of a supervised child. The numeric values are
// exported as-is on the server status gauge.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateError
	StateRestarting
)

// String returns the wire form used in API responses and logs.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Restart reasons, used as the reason label on the restart counter.
const (
	ReasonManual      = "manual"
	ReasonCrash       = "unexpected_exit"
	ReasonHealthCheck = "health_check_failure"
)

// record is the supervisor's bookkeeping for one child. The stderr ring
// buffer and restart counter outlive individual process runs; the cmd, mux,
// and hub belong to the current run only.
type record struct {
	id string

	mu            sync.Mutex
	cfg           config.ServerConfig
	state         State
	cmd           *exec.Cmd
	mux           *jsonrpc.Mux
	hub           *stream.Hub
	lastStart     time.Time
	restartCount  int
	stopRequested bool
	// exited is closed by the process waiter of the current run.
	exited chan struct{}

	stderr *RingBuffer
}

// Snapshot is a point-in-time public view of a child.
type Snapshot struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Running       bool      `json:"running"`
	RestartCount  int       `json:"restart_count"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	LastStart     time.Time `json:"last_start,omitzero"`
	PendingCalls  int       `json:"pending_calls"`
	ActiveStreams int       `json:"active_streams"`
	HasOOMMarker  bool      `json:"has_oom_marker"`
}

// snapshotLocked builds a Snapshot. Caller holds rec.mu.
func (rec *record) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:           rec.id,
		Status:       rec.state.String(),
		Running:      rec.state == StateRunning || rec.state == StateStarting,
		RestartCount: rec.restartCount,
		LastStart:    rec.lastStart,
		HasOOMMarker: rec.stderr.HasMarker(rec.cfg.StderrMarkers),
	}
	if rec.state == StateRunning {
		snap.UptimeSeconds = time.Since(rec.lastStart).Seconds()
	}
	if rec.mux != nil {
		snap.PendingCalls = rec.mux.PendingCount()
	}
	if rec.hub != nil {
		snap.ActiveStreams = rec.hub.ActiveCount()
	}
	return snap
}
