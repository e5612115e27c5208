// Package registry maps server identities to their supervisors and owns
// their lifecycle: registration, removal and daemon shutdown.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/consolr/internal/metrics"
	"github.com/loykin/consolr/internal/process"
	"github.com/loykin/consolr/internal/store"
	"github.com/loykin/consolr/internal/supervisor"
)

var (
	ErrDuplicateIdentity = errors.New("server already registered")
	ErrUnknownIdentity   = errors.New("unknown server")
	ErrInvalidRecord     = errors.New("invalid registration")
	ErrRegistryClosed    = errors.New("registry is shut down")
)

const storeTimeout = 5 * time.Second

// Record is what an operator supplies to register a server folder.
type Record struct {
	ID          string   `json:"id,omitempty"` // derived from WorkDir when empty
	Name        string   `json:"name,omitempty"`
	WorkDir     string   `json:"work_dir"`
	Executable  string   `json:"executable,omitempty"`
	Args        []string `json:"args,omitempty"`
	Env         []string `json:"env,omitempty"`
	StopCommand *string  `json:"stop_command,omitempty"` // nil uses the registry default
}

// IdentityFor derives a stable identity from a folder path.
func IdentityFor(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(abs))).String()
}

// Registry is safe for concurrent use. Its lock guards only the map; no OS
// call is made while holding it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*supervisor.Supervisor
	closed  bool

	opts  supervisor.Options // template for new supervisors
	exe   string
	store store.Store
	log   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithSupervisorOptions sets the options every new supervisor starts from.
func WithSupervisorOptions(o supervisor.Options) Option {
	return func(r *Registry) { r.opts = o }
}

// WithDefaultExecutable overrides the executable used when a record names none.
func WithDefaultExecutable(name string) Option {
	return func(r *Registry) { r.exe = name }
}

// WithStore persists registrations.
func WithStore(s store.Store) Option {
	return func(r *Registry) { r.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*supervisor.Supervisor),
		exe:     process.DefaultExecutable(),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.opts.Logger == nil {
		r.opts.Logger = r.log
	}
	return r
}

// Register validates rec and adds a Stopped supervisor for it.
func (r *Registry) Register(rec Record) (*supervisor.Supervisor, error) {
	rec, err := r.normalize(rec)
	if err != nil {
		return nil, err
	}
	sup, err := r.add(rec)
	if err != nil {
		return nil, err
	}
	if err := r.persist(rec); err != nil {
		// the entry was visible while persisting; a process started meanwhile
		// must not outlive it
		if cerr := sup.Close(); cerr != nil {
			r.log.Error("terminate on rollback failed", "server", rec.ID, "error", cerr)
		}
		r.mu.Lock()
		if cur, ok := r.entries[rec.ID]; ok && cur == sup {
			delete(r.entries, rec.ID)
		}
		metrics.SetRegisteredServers(len(r.entries))
		r.mu.Unlock()
		metrics.ForgetServer(rec.ID)
		return nil, err
	}
	r.log.Info("server registered", "server", rec.ID, "name", rec.Name, "path", rec.WorkDir)
	return sup, nil
}

// add inserts without persisting. Restore uses it directly.
func (r *Registry) add(rec Record) (*supervisor.Supervisor, error) {
	opts := r.opts
	if rec.StopCommand != nil {
		opts.StopCommand = *rec.StopCommand
	}
	spec := process.Spec{
		Name:       rec.Name,
		WorkDir:    rec.WorkDir,
		Executable: rec.Executable,
		Args:       rec.Args,
		Env:        rec.Env,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, ok := r.entries[rec.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentity, rec.ID)
	}
	sup := supervisor.New(rec.ID, spec, opts)
	r.entries[rec.ID] = sup
	metrics.SetRegisteredServers(len(r.entries))
	return sup, nil
}

// Unregister force-terminates a live process, then removes the entry.
// Termination problems are logged, never returned.
func (r *Registry) Unregister(id string) error {
	r.mu.RLock()
	sup, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}

	if err := sup.Close(); err != nil {
		r.log.Error("terminate on unregister failed", "server", id, "error", err)
	}

	r.mu.Lock()
	if cur, ok := r.entries[id]; ok && cur == sup {
		delete(r.entries, id)
	}
	metrics.SetRegisteredServers(len(r.entries))
	r.mu.Unlock()
	metrics.ForgetServer(id)

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := r.store.Delete(ctx, id); err != nil {
			r.log.Warn("failed to delete registration", "server", id, "error", err)
		}
	}
	r.log.Info("server unregistered", "server", id)
	return nil
}

// Get returns the supervisor for id.
func (r *Registry) Get(id string) (*supervisor.Supervisor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sup, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	return sup, nil
}

// List returns every supervisor sorted by name, then id.
func (r *Registry) List() []*supervisor.Supervisor {
	r.mu.RLock()
	out := make([]*supervisor.Supervisor, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// LivePIDs maps the id of every running server to its pid.
func (r *Registry) LivePIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, s := range r.List() {
		if pid := s.PID(); pid > 0 {
			out[s.ID()] = int32(pid)
		}
	}
	return out
}

// Restore registers every persisted registration. Entries whose folder is
// gone or that are already registered are logged and skipped.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	regs, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, reg := range regs {
		rec := Record{
			ID:         reg.ID,
			Name:       reg.Name,
			WorkDir:    reg.WorkDir,
			Executable: reg.Executable,
			Args:       reg.Args,
			Env:        reg.Env,
		}
		if reg.StopCommand != "" {
			cmd := reg.StopCommand
			rec.StopCommand = &cmd
		}
		rec, err := r.normalize(rec)
		if err != nil {
			r.log.Warn("skipping stored registration", "server", reg.ID, "error", err)
			continue
		}
		if _, err := r.add(rec); err != nil {
			if errors.Is(err, ErrRegistryClosed) {
				return n, err
			}
			r.log.Warn("skipping stored registration", "server", reg.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// ShutdownAll terminates every live process in parallel and refuses new
// registrations afterwards. One server failing to stop never holds up the others.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	r.closed = true
	sups := make([]*supervisor.Supervisor, 0, len(r.entries))
	for _, s := range r.entries {
		sups = append(sups, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sups {
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			if err := s.Close(); err != nil {
				r.log.Error("shutdown failed", "server", s.ID(), "error", err)
			}
		}(s)
	}
	wg.Wait()
	r.log.Info("all servers shut down", "count", len(sups))
}

func (r *Registry) normalize(rec Record) (Record, error) {
	dir := strings.TrimSpace(rec.WorkDir)
	if dir == "" {
		return rec, fmt.Errorf("%w: work_dir is required", ErrInvalidRecord)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !fi.IsDir() {
		return rec, fmt.Errorf("%w: %s is not a directory", ErrInvalidRecord, abs)
	}
	rec.WorkDir = abs
	if rec.ID = strings.TrimSpace(rec.ID); rec.ID == "" {
		rec.ID = IdentityFor(abs)
	}
	if rec.Name = strings.TrimSpace(rec.Name); rec.Name == "" {
		name, err := serverConfigName(abs)
		if err != nil {
			r.log.Warn("ignoring server config name", "dir", abs, "error", err)
		}
		if name == "" {
			name = filepath.Base(abs)
		}
		rec.Name = name
	}
	if rec.Executable == "" {
		rec.Executable = r.exe
	}
	if err := (process.Spec{WorkDir: rec.WorkDir, Executable: rec.Executable}).Validate(); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return rec, nil
}

func (r *Registry) persist(rec Record) error {
	if r.store == nil {
		return nil
	}
	reg := store.Registration{
		ID:         rec.ID,
		Name:       rec.Name,
		WorkDir:    rec.WorkDir,
		Executable: rec.Executable,
		Args:       rec.Args,
		Env:        rec.Env,
	}
	if rec.StopCommand != nil {
		reg.StopCommand = *rec.StopCommand
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.Upsert(ctx, reg); err != nil {
		return fmt.Errorf("persist registration: %w", err)
	}
	return nil
}
