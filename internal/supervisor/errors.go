package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning     = errors.New("server is already running")
	ErrNotRunning         = errors.New("server is not running")
	ErrSpawnFailed        = errors.New("failed to launch server")
	ErrWriteFailed        = errors.New("failed to write to server stdin")
	ErrTerminationTimeout = errors.New("server did not exit after kill")
	ErrClosed             = errors.New("supervisor is closed")
)

// SpawnError carries the OS error of a failed launch.
// errors.Is(err, ErrSpawnFailed) holds for every SpawnError.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() []error { return []error{ErrSpawnFailed, e.Err} }
