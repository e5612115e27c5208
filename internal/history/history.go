// Package history exports server lifecycle events (start, stop, exit) to
// external stores. Console output is never exported.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"         // exit after an operator stop
	EventExit        EventType = "exit"         // exit the operator did not request
	EventSpawnFailed EventType = "spawn_failed" // the executable could not be launched
)

// Record is the server run an event refers to.
type Record struct {
	ServerID  string     `json:"server_id"`
	Name      string     `json:"name"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout delivers e to every sink and returns the first error seen.
// A failing sink never prevents delivery to the others.
func Fanout(ctx context.Context, sinks []Sink, e Event) error {
	var first error
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// nullable helpers shared by the SQL sinks

func NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func NullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
