// Package supervisor owns the lifecycles of the stdio children: MCP servers
// and locally launched LLM engines. Each child gets a JSON-RPC multiplexer
// over its stdin/stdout, a stderr ring buffer, and restart policy enforcement.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
	"github.com/fluidmcp/fluidmcp/pkg/jsonrpc"
	"github.com/fluidmcp/fluidmcp/pkg/stream"
	"github.com/fluidmcp/fluidmcp/pkg/telemetry"
)

// maxRestartDelay caps the exponential restart backoff.
const maxRestartDelay = 30 * time.Second

// Supervisor manages every supervised child. All public methods are safe for
// concurrent use.
type Supervisor struct {
	registry *config.ServerRegistry
	metrics  *telemetry.GatewayMetrics
	grace    time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]*record

	// sleep is the restart backoff wait, replaceable in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a supervisor over the given registry. grace is the SIGTERM
// window before a stop escalates to SIGKILL.
func New(registry *config.ServerRegistry, metrics *telemetry.GatewayMetrics, grace time.Duration) *Supervisor {
	return &Supervisor{
		registry: registry,
		metrics:  metrics,
		grace:    grace,
		logger:   slog.Default().With("component", "supervisor"),
		records:  make(map[string]*record),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
}

// lookup returns the record for id, creating it from the registry on first
// use. Unknown ids fail with a not-found error.
func (s *Supervisor) lookup(id string) (*record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		// Config changes through the admin surface take effect on the next
		// start, not mid-run.
		if cfg, err := s.registry.Get(id); err == nil {
			rec.mu.Lock()
			if rec.state == StateStopped || rec.state == StateError {
				rec.cfg = cfg
			}
			rec.mu.Unlock()
		}
		return rec, nil
	}
	cfg, err := s.registry.Get(id)
	if err != nil {
		return nil, fluiderr.E(fluiderr.KindNotFound, "server %q not found", id)
	}
	rec := &record{
		id:     id,
		cfg:    cfg,
		stderr: NewRingBuffer(DefaultStderrLines),
	}
	s.records[id] = rec
	return rec, nil
}

// Start launches the child for id. Starting a child that is already running
// (or mid-restart) is an invalid-state error.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.state {
	case StateStopped, StateError:
	default:
		return fluiderr.E(fluiderr.KindInvalidState, "server %q is already %s", id, rec.state)
	}
	return s.launchLocked(rec)
}

// launchLocked spawns the process and wires the stdio plumbing. Caller holds
// rec.mu.
func (s *Supervisor) launchLocked(rec *record) error {
	s.setStateLocked(rec, StateStarting)
	s.logger.Info("Starting child process",
		"server", rec.id, "command", rec.cfg.Command)

	cmd := exec.Command(rec.cfg.Command, rec.cfg.Args...)
	cmd.Dir = rec.cfg.InstallPath
	cmd.Env = childEnv(rec.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setStateLocked(rec, StateError)
		return fluiderr.Wrap(fluiderr.KindIOError, err, "stdin pipe for %q", rec.id)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setStateLocked(rec, StateError)
		return fluiderr.Wrap(fluiderr.KindIOError, err, "stdout pipe for %q", rec.id)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setStateLocked(rec, StateError)
		return fluiderr.Wrap(fluiderr.KindIOError, err, "stderr pipe for %q", rec.id)
	}

	if err := cmd.Start(); err != nil {
		s.setStateLocked(rec, StateError)
		return fluiderr.Wrap(fluiderr.KindIOError, err, "start %q", rec.id)
	}

	hub := stream.NewHub(rec.id)
	mux := jsonrpc.NewMux(rec.id, stdin, hub)
	// A broken stdin with the process still alive would leave a running
	// record with a dead transport. Killing the process routes the failure
	// through waitExit, where the normal exit transition and restart policy
	// apply.
	mux.OnTransportError(func(err error) {
		s.logger.Warn("Child stdin broken, terminating process",
			"server", rec.id, "error", err)
		_ = cmd.Process.Kill()
	})

	rec.cmd = cmd
	rec.mux = mux
	rec.hub = hub
	rec.lastStart = time.Now()
	rec.stopRequested = false
	rec.exited = make(chan struct{})

	go mux.ReadLoop(stdout)
	go s.readStderr(rec, stderr)
	go s.waitExit(rec, cmd, mux, hub, rec.exited)

	s.setStateLocked(rec, StateRunning)
	s.metrics.ServerUptime.WithLabelValues(rec.id).Set(0)
	s.logger.Info("Child process running", "server", rec.id, "pid", cmd.Process.Pid)
	return nil
}

// waitExit reaps the process and drives the post-exit transition: resolve the
// transport, close the streams, then either settle into Stopped/Error or run
// the restart policy.
func (s *Supervisor) waitExit(rec *record, cmd *exec.Cmd, mux *jsonrpc.Mux, hub *stream.Hub, exited chan struct{}) {
	waitErr := cmd.Wait()
	close(exited)

	// Pending calls and open streams never outlive the process.
	mux.FailAll(fluiderr.E(fluiderr.KindIOError, "child %q exited", rec.id))
	hub.CloseAll(stream.StatusUpstreamError)

	rec.mu.Lock()
	requested := rec.stopRequested
	cfg := rec.cfg
	attempt := rec.restartCount
	rec.mu.Unlock()

	if requested {
		rec.mu.Lock()
		s.setStateLocked(rec, StateStopped)
		rec.mu.Unlock()
		s.logger.Info("Child process stopped", "server", rec.id)
		return
	}

	s.logger.Warn("Child process exited unexpectedly",
		"server", rec.id, "error", waitErr, "restart_count", attempt)

	switch cfg.RestartPolicy {
	case config.RestartAlways:
	case config.RestartOnFailure:
		if attempt >= cfg.MaxRestarts {
			rec.mu.Lock()
			s.setStateLocked(rec, StateError)
			rec.mu.Unlock()
			s.logger.Error("Restart budget exhausted, giving up",
				"server", rec.id, "max_restarts", cfg.MaxRestarts)
			return
		}
	default:
		rec.mu.Lock()
		s.setStateLocked(rec, StateError)
		rec.mu.Unlock()
		return
	}

	rec.mu.Lock()
	s.setStateLocked(rec, StateRestarting)
	rec.mu.Unlock()

	delay := backoffDelay(cfg.BaseDelay(), attempt)
	s.logger.Info("Scheduling restart", "server", rec.id, "delay", delay)
	s.sleep(context.Background(), delay)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateRestarting {
		// An operator stopped or started the child during the backoff.
		return
	}
	if err := s.launchLocked(rec); err != nil {
		s.logger.Error("Automatic restart failed", "server", rec.id, "error", err)
		return
	}
	rec.restartCount++
	s.metrics.ServerRestarts.WithLabelValues(rec.id, ReasonCrash).Inc()
}

// backoffDelay returns base doubled per attempt, capped.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < maxRestartDelay; i++ {
		d *= 2
	}
	if d > maxRestartDelay {
		d = maxRestartDelay
	}
	return d
}

// Stop terminates the child. Graceful stops send SIGTERM and escalate to
// SIGKILL after the grace window; force stops kill immediately. Stopping a
// child that is not running is an invalid-state error, except that stopping
// during a restart backoff cancels the pending restart.
func (s *Supervisor) Stop(ctx context.Context, id string, force bool) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	switch rec.state {
	case StateRestarting:
		rec.stopRequested = true
		s.setStateLocked(rec, StateStopped)
		rec.mu.Unlock()
		s.logger.Info("Cancelled pending restart", "server", id)
		return nil
	case StateRunning, StateStarting:
	default:
		state := rec.state
		rec.mu.Unlock()
		return fluiderr.E(fluiderr.KindInvalidState, "server %q is %s, not running", id, state)
	}
	rec.stopRequested = true
	cmd := rec.cmd
	exited := rec.exited
	rec.mu.Unlock()

	if force {
		s.logger.Info("Force stopping child", "server", id)
		_ = cmd.Process.Kill()
	} else {
		s.logger.Info("Stopping child", "server", id, "grace", s.grace)
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = cmd.Process.Kill()
		}
	}

	select {
	case <-exited:
		return nil
	case <-time.After(s.grace):
		s.logger.Warn("Child ignored SIGTERM, escalating to SIGKILL", "server", id)
		_ = cmd.Process.Kill()
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops the child if running, increments the restart counter, and
// starts it again. Operator-driven restarts bypass the restart budget.
func (s *Supervisor) Restart(ctx context.Context, id string, reason string) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	running := rec.state == StateRunning || rec.state == StateStarting
	rec.mu.Unlock()
	if running {
		if err := s.Stop(ctx, id, false); err != nil {
			return err
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s.logger.Info("Restarting child", "server", id, "reason", reason)
	if err := s.launchLocked(rec); err != nil {
		return err
	}
	// The counter tracks completed restarts, so a failed relaunch does not
	// bump it.
	rec.restartCount++
	s.metrics.ServerRestarts.WithLabelValues(id, reason).Inc()
	return nil
}

// MayAutoRestart reports whether policy allows another unattended restart.
// Used by the health monitor before it triggers one.
func (s *Supervisor) MayAutoRestart(id string) bool {
	rec, err := s.lookup(id)
	if err != nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.cfg.RestartPolicy {
	case config.RestartAlways:
		return true
	case config.RestartOnFailure:
		return rec.restartCount < rec.cfg.MaxRestarts
	default:
		return false
	}
}

// Status returns the snapshot for one child. Ids present in the registry but
// never started report as stopped.
func (s *Supervisor) Status(id string) (Snapshot, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	snap := rec.snapshotLocked()
	if rec.state == StateRunning {
		s.metrics.ServerUptime.WithLabelValues(id).Set(snap.UptimeSeconds)
	}
	return snap, nil
}

// List returns snapshots for every registered child, sorted by id.
func (s *Supervisor) List() []Snapshot {
	ids := s.registry.IDs()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := s.Status(id); err == nil {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TailStderr returns the last n stderr lines of the child, oldest first. The
// buffer survives stops, so a dead child's last output stays inspectable.
func (s *Supervisor) TailStderr(id string, n int) ([]string, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return rec.stderr.Tail(n), nil
}

// Attach returns the live transport of a running child: the JSON-RPC mux for
// calls and the hub for stream sessions.
func (s *Supervisor) Attach(id string) (*jsonrpc.Mux, *stream.Hub, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateRunning {
		return nil, nil, fluiderr.E(fluiderr.KindInvalidState, "server %q is %s, not running", id, rec.state)
	}
	return rec.mux, rec.hub, nil
}

// Forget drops the supervisor's record for a removed child. The child must
// not be running.
func (s *Supervisor) Forget(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.state {
	case StateStopped, StateError:
		delete(s.records, id)
		return nil
	default:
		return fluiderr.E(fluiderr.KindInvalidState, "server %q is %s, stop it first", id, rec.state)
	}
}

// StopAll gracefully stops every running child, used during gateway shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := s.Stop(ctx, id, false); err != nil {
			if !fluiderr.IsKind(err, fluiderr.KindInvalidState) {
				s.logger.Warn("Shutdown stop failed", "server", id, "error", err)
			}
		}
	}
}

// readStderr drains the child's stderr into the ring buffer.
func (s *Supervisor) readStderr(rec *record, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		rec.stderr.Append(line)
		s.logger.Debug("Child stderr", "server", rec.id, "line", line)
	}
}

// setStateLocked transitions the record state and publishes the gauge.
// Caller holds rec.mu.
func (s *Supervisor) setStateLocked(rec *record, st State) {
	rec.state = st
	s.metrics.ServerStatus.WithLabelValues(rec.id).Set(float64(st))
}

// childEnv merges configured variables over the gateway's environment, with
// deterministic ordering for the configured part.
func childEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env
}
