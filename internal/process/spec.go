package process

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultExecutableName is the game server binary looked up in a server folder
// when a registration does not name one.
const DefaultExecutableName = "BeamMP-Server"

// DefaultExecutable returns DefaultExecutableName with the platform suffix.
func DefaultExecutable() string {
	if runtime.GOOS == "windows" {
		return DefaultExecutableName + ".exe"
	}
	return DefaultExecutableName
}

// Spec describes how to launch one server process.
type Spec struct {
	Name       string   `json:"name"`
	WorkDir    string   `json:"work_dir"`   // process cwd, also the folder the executable lives in
	Executable string   `json:"executable"` // file name relative to WorkDir, or an absolute path
	Args       []string `json:"args"`
	Env        []string `json:"env"` // full environment; empty inherits the parent's
}

// ExecutablePath resolves the binary to launch.
func (s Spec) ExecutablePath() string {
	exe := s.Executable
	if exe == "" {
		exe = DefaultExecutable()
	}
	if filepath.IsAbs(exe) {
		return exe
	}
	return filepath.Join(s.WorkDir, exe)
}

// Validate reports obviously unusable specs before any OS call is made.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.WorkDir) == "" {
		return errors.New("work_dir is required")
	}
	if strings.ContainsAny(s.Executable, "\n\r\x00") {
		return errors.New("executable contains control characters")
	}
	return nil
}
