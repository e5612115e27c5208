// Package process owns a single live OS process: its stdin, two output
// readers and the reaper that waits for it to exit.
package process

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/consolr/internal/console"
)

// DefaultDrainTimeout bounds how long the reaper waits for readers after exit.
const DefaultDrainTimeout = 2 * time.Second

// MaxLineBytes caps a single output line; longer lines are split into chunks.
const MaxLineBytes = 64 * 1024

// ErrStdinClosed is returned by WriteLine once the process input is gone.
var ErrStdinClosed = errors.New("stdin closed")

// LineFunc receives every complete output line, without its line terminator.
// It is called from the reader goroutines and must not block for long.
type LineFunc func(origin console.Origin, text string)

// Options tune a Handle. Zero values pick the defaults.
type Options struct {
	DrainTimeout time.Duration
}

// Handle is a started process. All methods are safe for concurrent use.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	inMu        sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	outR, errR *os.File
	readers    sync.WaitGroup
	drain      time.Duration

	done    chan struct{}
	waitErr error
	state   *os.ProcessState
}

// Start launches spec and begins streaming its output to onLine.
// On error no process is left running and no goroutine is leaked.
func Start(spec Spec, onLine LineFunc, opts Options) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if onLine == nil {
		onLine = func(console.Origin, string) {}
	}
	// #nosec G204 -- the executable comes from an operator registration
	cmd := exec.Command(spec.ExecutablePath(), spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(outR, outW)
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(outR, outW, errR, errW)
		return nil, err
	}
	// the child holds its own copies of the write ends
	closeAll(outW, errW)

	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		stdin:     stdin,
		outR:      outR,
		errR:      errR,
		drain:     drain,
		done:      make(chan struct{}),
	}
	h.readers.Add(2)
	go h.read(outR, console.Stdout, onLine)
	go h.read(errR, console.Stderr, onLine)
	go h.reap()
	return h, nil
}

func (h *Handle) read(r io.Reader, origin console.Origin, onLine LineFunc) {
	defer h.readers.Done()
	br := bufio.NewReaderSize(r, MaxLineBytes)
	split := false
	for {
		b, err := br.ReadSlice('\n')
		s := strings.TrimRight(string(b), "\r\n")
		// a bare terminator right after a split chunk ends that line, not a new one
		if s != "" || (len(b) > 0 && !split) {
			onLine(origin, s)
		}
		split = errors.Is(err, bufio.ErrBufferFull)
		if err != nil && !split {
			return
		}
	}
}

// reap waits for the process, then gives the readers a bounded window to
// drain what is left in the pipes before publishing exit.
func (h *Handle) reap() {
	err := h.cmd.Wait()

	joined := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(h.drain):
		// an orphaned grandchild still holds the write ends; unblock the readers
		closeAll(h.outR, h.errR)
		<-joined
	}
	closeAll(h.outR, h.errR)

	h.inMu.Lock()
	h.stdinClosed = true
	h.inMu.Unlock()

	h.waitErr = err
	h.state = h.cmd.ProcessState
	close(h.done)
}

func (h *Handle) PID() int { return h.pid }

func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed after the process exited and its output was drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether Done has been closed.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// WriteLine writes text followed by a newline to the process stdin.
func (h *Handle) WriteLine(text string) error {
	h.inMu.Lock()
	defer h.inMu.Unlock()
	if h.stdinClosed {
		return ErrStdinClosed
	}
	if _, err := io.WriteString(h.stdin, text+"\n"); err != nil {
		return err
	}
	return nil
}

// Terminate asks the process group to exit.
func (h *Handle) Terminate() error {
	if h.Exited() {
		return nil
	}
	return ignoreDone(terminate(h.cmd.Process))
}

// Kill forcibly ends the process group.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	return ignoreDone(kill(h.cmd.Process))
}

// ExitCode returns the exit status once Done is closed. ok is false when the
// process has not exited yet or ended without a code (signal, wait failure).
func (h *Handle) ExitCode() (code int, ok bool) {
	if !h.Exited() {
		return 0, false
	}
	if h.state == nil {
		return 0, false
	}
	c := h.state.ExitCode()
	if c < 0 {
		return 0, false
	}
	return c, true
}

// ExitReason describes how the process ended, e.g. "exit status 1" or "signal: killed".
func (h *Handle) ExitReason() string {
	if !h.Exited() {
		return ""
	}
	if h.state != nil {
		return h.state.String()
	}
	if h.waitErr != nil {
		return h.waitErr.Error()
	}
	return "exited"
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		if f != nil {
			_ = f.Close()
		}
	}
}
