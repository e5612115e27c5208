//go:build windows

package process

import "os"

// Windows has no SIGTERM for console-less children; both paths terminate.
func terminate(p *os.Process) error { return p.Kill() }

func kill(p *os.Process) error { return p.Kill() }
