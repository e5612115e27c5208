//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

func terminate(p *os.Process) error { return signalGroup(p, syscall.SIGTERM) }

func kill(p *os.Process) error { return signalGroup(p, syscall.SIGKILL) }

// signalGroup signals the whole process group, falling back to the leader
// alone when the group is already gone.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-p.Pid, sig); err == nil {
		return nil
	} else if !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return p.Signal(sig)
}
