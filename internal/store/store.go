// Package store persists server registrations so the daemon can restore its
// registry after a restart. Runtime state and console output are not stored.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a registration does not exist.
var ErrNotFound = errors.New("registration not found")

// Registration is one registered server folder.
type Registration struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	WorkDir     string    `json:"work_dir"`
	Executable  string    `json:"executable,omitempty"`
	Args        []string  `json:"args,omitempty"`
	Env         []string  `json:"env,omitempty"`
	StopCommand string    `json:"stop_command,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is a minimal persistence interface for registrations keyed by ID.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, reg Registration) error
	Get(ctx context.Context, id string) (Registration, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Registration, error)
	Close() error
}

// EncodeList stores string slices in a single text column.
func EncodeList(v []string) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func DecodeList(s string) ([]string, error) {
	if s == "" || s == "[]" || s == "null" {
		return nil, nil
	}
	var v []string
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
