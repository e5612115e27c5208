package client

import (
	"fmt"
	"net/http"
	"time"
)

// RegisterRequest registers a server folder with the daemon.
type RegisterRequest struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	WorkDir     string   `json:"work_dir"`
	Executable  string   `json:"executable,omitempty"`
	Args        []string `json:"args,omitempty"`
	Env         []string `json:"env,omitempty"`
	StopCommand *string  `json:"stop_command,omitempty"`
}

// CommandRequest is one line written to a server's stdin.
type CommandRequest struct {
	Command string `json:"command"`
}

// ServerState mirrors the daemon's lifecycle state.
type ServerState struct {
	Kind      string    `json:"kind"` // stopped, starting, running, stopping, exited
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	ExitedAt  time.Time `json:"exited_at,omitzero"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

func (s ServerState) Live() bool { return s.Kind == "running" || s.Kind == "stopping" }

// Usage is the latest resource sample of a running server.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// ServerStatus represents the status of a single registered server.
type ServerStatus struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	WorkDir      string      `json:"work_dir"`
	Executable   string      `json:"executable"`
	State        ServerState `json:"state"`
	ConsoleLines int         `json:"console_lines"`
	LastSeq      uint64      `json:"last_seq"`
	Resources    *Usage      `json:"resources,omitempty"`
}

// ConsoleLine is one captured output line. Origin is "stdout" or "stderr".
type ConsoleLine struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Text   string    `json:"text"`
	Origin string    `json:"origin"`
}

// ConsolePage is a console read. Pass Next back to read only newer lines.
type ConsolePage struct {
	Lines []ConsoleLine `json:"lines"`
	Next  uint64        `json:"next"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }
func (e *APIError) Conflict() bool { return e.StatusCode == http.StatusConflict }
