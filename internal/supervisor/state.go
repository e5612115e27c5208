package supervisor

import (
	"fmt"
	"time"
)

// StateKind is the lifecycle phase of a supervised server.
type StateKind uint8

const (
	Stopped StateKind = iota
	Starting
	Running
	Stopping
	Exited
)

func (k StateKind) String() string {
	switch k {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

func (k StateKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *StateKind) UnmarshalText(b []byte) error {
	for c := Stopped; c <= Exited; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", string(b))
}

// State is the current phase plus the data that phase carries.
// PID and StartedAt are set while Running or Stopping; ExitedAt, ExitCode and
// Reason once Exited. ExitCode is nil when no code is known (signal, spawn failure).
type State struct {
	Kind      StateKind `json:"kind"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	ExitedAt  time.Time `json:"exited_at,omitzero"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Live reports whether a process is attached.
func (s State) Live() bool { return s.Kind == Running || s.Kind == Stopping }

// CanStart reports whether Start is allowed from this state.
func (s State) CanStart() bool { return s.Kind == Stopped || s.Kind == Exited }

func (s State) String() string {
	switch s.Kind {
	case Running, Stopping:
		return fmt.Sprintf("%s (pid %d)", s.Kind, s.PID)
	case Exited:
		if s.ExitCode != nil {
			return fmt.Sprintf("exited (code %d)", *s.ExitCode)
		}
		return "exited"
	default:
		return s.Kind.String()
	}
}

// validTransitions lists every edge of the lifecycle graph.
var validTransitions = map[StateKind][]StateKind{
	Stopped:  {Starting},
	Starting: {Running, Exited},
	Running:  {Stopping, Exited},
	Stopping: {Exited},
	Exited:   {Starting},
}

// ValidTransition reports whether from -> to is an edge of the lifecycle graph.
func ValidTransition(from, to StateKind) bool {
	for _, k := range validTransitions[from] {
		if k == to {
			return true
		}
	}
	return false
}
