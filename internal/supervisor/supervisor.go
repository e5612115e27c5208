// Package supervisor runs one game server process at a time and tracks its
// lifecycle: Stopped -> Starting -> Running -> Stopping -> Exited.
//
// All transitions happen under a single mutex per Supervisor. OS calls (spawn,
// wait, signals) run outside it while the state is parked in Starting or
// Stopping, so concurrent callers fail fast instead of racing.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/consolr/internal/console"
	"github.com/loykin/consolr/internal/history"
	"github.com/loykin/consolr/internal/metrics"
	"github.com/loykin/consolr/internal/process"
)

const (
	DefaultGracePeriod = 10 * time.Second
	DefaultKillWait    = 5 * time.Second
	historyTimeout     = 5 * time.Second
)

// Options tune a Supervisor. Zero values pick the defaults.
type Options struct {
	GracePeriod  time.Duration // wait after the graceful request before killing
	KillWait     time.Duration // wait after kill before reporting ErrTerminationTimeout
	DrainTimeout time.Duration // reader join window after exit
	StopCommand  string        // written to stdin on Stop; empty sends a terminate signal
	Capacity     int           // console buffer lines

	// EnvMerger turns per-server "K=V" overrides into the full child environment.
	EnvMerger func(perServer []string) []string
	Logger    *slog.Logger
	Sinks     []history.Sink

	// OnTransition is called with the supervisor lock held, in transition order.
	// It must not call back into the Supervisor.
	OnTransition func(from, to State)
}

// Status is a point-in-time view without console lines.
type Status struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	WorkDir      string `json:"work_dir"`
	Executable   string `json:"executable"`
	State        State  `json:"state"`
	ConsoleLines int    `json:"console_lines"`
	LastSeq      uint64 `json:"last_seq"`
}

// Snapshot is Status plus a copy of the console buffer, oldest line first.
type Snapshot struct {
	Status
	Lines []console.Line `json:"lines"`
}

type Supervisor struct {
	id   string
	spec process.Spec
	opts Options
	log  *slog.Logger
	buf  *console.Buffer

	mu            sync.Mutex
	state         State
	handle        *process.Handle
	exited        chan struct{} // closed once the current run is published as Exited
	starting      chan struct{} // non-nil while a spawn is in flight
	gen           uint64
	stopRequested bool
	closed        bool
}

// New creates a supervisor in the Stopped state. No process is launched.
func New(id string, spec process.Spec, opts Options) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.KillWait <= 0 {
		opts.KillWait = DefaultKillWait
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if spec.Name == "" {
		spec.Name = id
	}
	return &Supervisor{
		id:    id,
		spec:  spec,
		opts:  opts,
		log:   log.With("server", id, "name", spec.Name),
		buf:   console.NewBuffer(opts.Capacity),
		state: State{Kind: Stopped},
	}
}

func (s *Supervisor) ID() string { return s.id }

func (s *Supervisor) Name() string { return s.spec.Name }

// Spec returns the launch description the supervisor was created with.
func (s *Supervisor) Spec() process.Spec { return s.spec }

// Start launches the server. It is allowed only from Stopped or Exited and
// clears the console buffer first.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.state.CanStart() {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: server '%s' is %s", ErrAlreadyRunning, s.id, st)
	}
	from := s.setStateLocked(State{Kind: Starting})
	s.gen++
	gen := s.gen
	starting := make(chan struct{})
	s.starting = starting
	s.stopRequested = false
	spec := s.spec
	s.mu.Unlock()
	s.recordTransition(from.Kind, Starting)

	s.buf.Clear()
	if s.opts.EnvMerger != nil {
		spec.Env = s.opts.EnvMerger(spec.Env)
	}
	h, err := process.Start(spec, s.onLine, process.Options{DrainTimeout: s.opts.DrainTimeout})

	s.mu.Lock()
	s.starting = nil
	if err != nil {
		now := time.Now()
		s.setStateLocked(State{Kind: Exited, ExitedAt: now, Reason: err.Error()})
		s.mu.Unlock()
		close(starting)

		s.recordTransition(Starting, Exited)
		metrics.IncSpawnFailure(s.id)
		s.log.Error("server spawn failed", "path", spec.ExecutablePath(), "error", err)
		s.sendHistory(history.EventSpawnFailed, history.Record{ExitedAt: &now, Reason: err.Error()})
		return &SpawnError{Path: spec.ExecutablePath(), Err: err}
	}
	exited := make(chan struct{})
	s.handle = h
	s.exited = exited
	s.setStateLocked(State{Kind: Running, PID: h.PID(), StartedAt: h.StartedAt()})
	s.mu.Unlock()
	close(starting)

	go s.watch(gen, h, exited)

	s.recordTransition(Starting, Running)
	metrics.IncStart(s.id)
	s.log.Info("server started", "pid", h.PID())
	s.sendHistory(history.EventStart, history.Record{PID: h.PID(), StartedAt: h.StartedAt()})
	return nil
}

// Stop asks a Running server to exit: the stop command (or a terminate
// signal), then a forced kill after the grace period. It returns once the
// Exited state has been published, or ErrTerminationTimeout if even the kill
// is not confirmed within the kill wait.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state.Kind != Running {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: server '%s' is %s", ErrNotRunning, s.id, st)
	}
	h, exited := s.handle, s.exited
	st := s.state
	st.Kind = Stopping
	s.setStateLocked(st)
	s.stopRequested = true
	s.mu.Unlock()

	s.recordTransition(Running, Stopping)
	metrics.IncStop(s.id)
	s.log.Info("stopping server", "pid", h.PID())

	if cmd := s.opts.StopCommand; cmd != "" {
		if err := h.WriteLine(cmd); err != nil {
			s.log.Debug("stop command not delivered, signalling", "error", err)
			s.signalTerminate(h)
		}
	} else {
		s.signalTerminate(h)
	}

	select {
	case <-exited:
		return nil
	case <-time.After(s.opts.GracePeriod):
	}
	return s.kill(h, exited)
}

// SendCommand writes text plus a newline to the server's stdin. A write that
// races with the process exiting returns ErrWriteFailed; the exit itself is
// published by the watcher.
func (s *Supervisor) SendCommand(text string) error {
	s.mu.Lock()
	if s.state.Kind != Running {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: server '%s' is %s", ErrNotRunning, s.id, st)
	}
	h := s.handle
	s.mu.Unlock()

	text = strings.TrimRight(text, "\r\n")
	if err := h.WriteLine(text); err != nil {
		metrics.IncCommand(s.id, false)
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	metrics.IncCommand(s.id, true)
	s.log.Debug("command sent", "command", text)
	return nil
}

// Status returns the current state without copying console lines.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Snapshot returns the state and a copy of the console buffer taken together.
// It never blocks on OS calls.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.buf.Snapshot()
	st := s.statusLocked()
	// readers append without s.mu; describe exactly the copied lines
	st.ConsoleLines = len(lines)
	if n := len(lines); n > 0 {
		st.LastSeq = lines[n-1].Seq
	}
	return Snapshot{Status: st, Lines: lines}
}

// ConsoleSince returns buffered lines newer than seq.
func (s *Supervisor) ConsoleSince(seq uint64) []console.Line { return s.buf.Since(seq) }

// ClearConsole drops all buffered output.
func (s *Supervisor) ClearConsole() { s.buf.Clear() }

// PID returns the live process id, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Live() {
		return s.state.PID
	}
	return 0
}

// Close force-terminates any live or in-flight process, waits for its output
// readers and marks the supervisor closed. Later Starts return ErrClosed.
// Close is idempotent.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	starting := s.starting
	s.mu.Unlock()

	if starting != nil {
		<-starting
	}

	s.mu.Lock()
	h, exited := s.handle, s.exited
	if s.state.Kind == Running {
		st := s.state
		st.Kind = Stopping
		s.setStateLocked(st)
		s.stopRequested = true
		s.mu.Unlock()
		s.recordTransition(Running, Stopping)
	} else {
		s.mu.Unlock()
	}
	if h == nil {
		return nil
	}

	s.signalTerminate(h)
	select {
	case <-exited:
		return nil
	case <-time.After(s.opts.KillWait):
	}
	return s.kill(h, exited)
}

// watch publishes Exited once the reaper has seen the process end and
// drained its output.
func (s *Supervisor) watch(gen uint64, h *process.Handle, exited chan struct{}) {
	<-h.Done()
	now := time.Now()
	code, ok := h.ExitCode()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	from := s.state
	st := State{Kind: Exited, StartedAt: from.StartedAt, ExitedAt: now, Reason: h.ExitReason()}
	if ok {
		st.ExitCode = &code
	}
	s.setStateLocked(st)
	s.handle = nil
	requested := s.stopRequested
	s.mu.Unlock()
	close(exited)

	s.recordTransition(from.Kind, Exited)
	metrics.IncExit(s.id, requested)
	evt := history.EventExit
	if requested {
		evt = history.EventStop
		s.log.Info("server stopped", "pid", h.PID(), "reason", st.Reason)
	} else {
		s.log.Warn("server exited", "pid", h.PID(), "reason", st.Reason)
	}
	s.sendHistory(evt, history.Record{
		PID:       h.PID(),
		StartedAt: h.StartedAt(),
		ExitedAt:  &now,
		ExitCode:  st.ExitCode,
		Reason:    st.Reason,
	})
}

func (s *Supervisor) kill(h *process.Handle, exited <-chan struct{}) error {
	s.log.Warn("server did not exit in time, killing", "pid", h.PID())
	metrics.IncTerminationTimeout(s.id)
	if err := h.Kill(); err != nil {
		s.log.Error("kill failed", "pid", h.PID(), "error", err)
	}
	select {
	case <-exited:
		return nil
	case <-time.After(s.opts.KillWait):
		return fmt.Errorf("%w: server '%s' (pid %d)", ErrTerminationTimeout, s.id, h.PID())
	}
}

func (s *Supervisor) signalTerminate(h *process.Handle) {
	if err := h.Terminate(); err != nil {
		s.log.Warn("terminate signal failed", "pid", h.PID(), "error", err)
	}
}

func (s *Supervisor) onLine(origin console.Origin, text string) {
	_, evicted := s.buf.Append(origin, text)
	metrics.IncConsoleLine(s.id, origin.String(), evicted)
}

// setStateLocked must be called with s.mu held. It returns the previous state.
func (s *Supervisor) setStateLocked(next State) State {
	prev := s.state
	s.state = next
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(prev, next)
	}
	return prev
}

func (s *Supervisor) recordTransition(from, to StateKind) {
	metrics.RecordStateTransition(s.id, from.String(), to.String())
	metrics.SetCurrentState(s.id, from.String(), false)
	metrics.SetCurrentState(s.id, to.String(), true)
}

func (s *Supervisor) statusLocked() Status {
	return Status{
		ID:           s.id,
		Name:         s.spec.Name,
		WorkDir:      s.spec.WorkDir,
		Executable:   s.spec.ExecutablePath(),
		State:        s.state,
		ConsoleLines: s.buf.Len(),
		LastSeq:      s.buf.LastSeq(),
	}
}

func (s *Supervisor) sendHistory(t history.EventType, rec history.Record) {
	if len(s.opts.Sinks) == 0 {
		return
	}
	rec.ServerID = s.id
	rec.Name = s.spec.Name
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := history.Fanout(ctx, s.opts.Sinks, history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
		s.log.Warn("history sink failed", "event", string(t), "error", err)
	}
}
