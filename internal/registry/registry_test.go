//go:build !windows

package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/consolr/internal/process"
	"github.com/loykin/consolr/internal/store"
	"github.com/loykin/consolr/internal/store/sqlite"
	"github.com/loykin/consolr/internal/supervisor"
)

const loopServer = `echo "Server started"
while read line; do [ "$line" = "exit" ] && exit 0; done`

func serverDir(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, process.DefaultExecutable())
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return dir
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func alive(pid int) bool { return syscall.Kill(-pid, 0) == nil }

func TestRegisterDefaults(t *testing.T) {
	r := New()
	dir := serverDir(t, loopServer)
	sup, err := r.Register(Record{WorkDir: dir})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if sup.ID() != IdentityFor(dir) {
		t.Fatalf("id = %s, want derived %s", sup.ID(), IdentityFor(dir))
	}
	if sup.Name() != filepath.Base(dir) {
		t.Fatalf("name = %s, want folder name", sup.Name())
	}
	if got := sup.Spec().ExecutablePath(); got != filepath.Join(dir, process.DefaultExecutable()) {
		t.Fatalf("executable = %s", got)
	}
	if st := sup.Status().State; st.Kind != supervisor.Stopped {
		t.Fatalf("new supervisor state = %s", st.Kind)
	}
}

func TestRegisterNameFromServerConfig(t *testing.T) {
	r := New()
	named := serverDir(t, loopServer)
	cfg := "[General]\nName = \"  My Race  \"\nMaxPlayers = 8\n"
	if err := os.WriteFile(filepath.Join(named, ServerConfigFile), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write server config: %v", err)
	}
	sup, err := r.Register(Record{WorkDir: named})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if sup.Name() != "My Race" {
		t.Fatalf("name = %q, want name from %s", sup.Name(), ServerConfigFile)
	}

	// an explicit name wins over the file
	explicit := serverDir(t, loopServer)
	if err := os.WriteFile(filepath.Join(explicit, ServerConfigFile), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write server config: %v", err)
	}
	sup, err = r.Register(Record{WorkDir: explicit, Name: "Lobby"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if sup.Name() != "Lobby" {
		t.Fatalf("name = %q, want Lobby", sup.Name())
	}

	// unreadable or nameless configs fall back to the folder name
	for _, body := range []string{"not = [valid", "[General]\nMaxPlayers = 4\n"} {
		dir := serverDir(t, loopServer)
		if err := os.WriteFile(filepath.Join(dir, ServerConfigFile), []byte(body), 0o644); err != nil {
			t.Fatalf("write server config: %v", err)
		}
		sup, err := r.Register(Record{WorkDir: dir})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if sup.Name() != filepath.Base(dir) {
			t.Fatalf("name = %q, want folder name for %q", sup.Name(), body)
		}
	}
	r.ShutdownAll()
}
func TestIdentityStable(t *testing.T) {
	dir := t.TempDir()
	if IdentityFor(dir) != IdentityFor(dir+string(filepath.Separator)) {
		t.Fatal("identity must not depend on a trailing separator")
	}
	if IdentityFor(dir) == IdentityFor(t.TempDir()) {
		t.Fatal("different folders must have different identities")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	dir := serverDir(t, loopServer)
	if _, err := r.Register(Record{ID: "a", WorkDir: dir}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(Record{ID: "a", WorkDir: t.TempDir()}); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("err = %v, want ErrDuplicateIdentity", err)
	}
}

func TestRegisterInvalid(t *testing.T) {
	r := New()
	file := filepath.Join(t.TempDir(), "not-a-dir")
	_ = os.WriteFile(file, nil, 0o600)
	for _, rec := range []Record{
		{},
		{WorkDir: filepath.Join(t.TempDir(), "missing")},
		{WorkDir: file},
	} {
		if _, err := r.Register(rec); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("Register(%+v) = %v, want ErrInvalidRecord", rec, err)
		}
	}
}

func TestUnregisterRunningLeavesNoProcess(t *testing.T) {
	r := New(WithSupervisorOptions(supervisor.Options{KillWait: 2 * time.Second}))
	sup, err := r.Register(Record{ID: "live", WorkDir: serverDir(t, `trap '' TERM; echo up; while true; do sleep 1; done`)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := sup.PID()
	if pid == 0 {
		t.Fatal("expected a pid")
	}

	if err := r.Unregister("live"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	waitUntil(t, 3*time.Second, "process gone", func() bool { return !alive(pid) })
	if _, err := r.Get("live"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("get after unregister = %v", err)
	}
	if err := r.Unregister("live"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("second unregister = %v", err)
	}
}

func TestListSorted(t *testing.T) {
	r := New()
	for _, n := range []string{"charlie", "alpha", "bravo"} {
		if _, err := r.Register(Record{Name: n, WorkDir: serverDir(t, loopServer)}); err != nil {
			t.Fatalf("register %s: %v", n, err)
		}
	}
	list := r.List()
	if len(list) != 3 || list[0].Name() != "alpha" || list[1].Name() != "bravo" || list[2].Name() != "charlie" {
		t.Fatalf("unexpected order")
	}
}

func TestShutdownAllParallel(t *testing.T) {
	r := New(WithSupervisorOptions(supervisor.Options{StopCommand: "exit", KillWait: 2 * time.Second}))
	var pids []int
	for i := 0; i < 3; i++ {
		sup, err := r.Register(Record{WorkDir: serverDir(t, loopServer)})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if err := sup.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		pids = append(pids, sup.PID())
	}
	// one server that ignores the terminate signal must not hold up the rest
	stubborn, err := r.Register(Record{WorkDir: serverDir(t, `trap '' TERM; while true; do sleep 1; done`)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := stubborn.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pids = append(pids, stubborn.PID())
	if got := len(r.LivePIDs()); got != 4 {
		t.Fatalf("live pids = %d, want 4", got)
	}

	r.ShutdownAll()
	for _, pid := range pids {
		pid := pid
		waitUntil(t, 3*time.Second, "process gone", func() bool { return !alive(pid) })
	}
	if _, err := r.Register(Record{WorkDir: serverDir(t, loopServer)}); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("register after shutdown = %v", err)
	}
}

func TestConcurrentRegisterSameIdentity(t *testing.T) {
	r := New()
	dir := serverDir(t, loopServer)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Register(Record{WorkDir: dir}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrDuplicateIdentity) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("successful registrations = %d, want 1", wins)
	}
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "reg.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	keep := serverDir(t, loopServer)
	gone := serverDir(t, loopServer)
	stop := "quit"
	r1 := New(WithStore(db))
	if _, err := r1.Register(Record{ID: "keep", Name: "kept", WorkDir: keep, StopCommand: &stop, Args: []string{"-x"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r1.Register(Record{ID: "gone", WorkDir: gone}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r1.Register(Record{ID: "removed", WorkDir: serverDir(t, loopServer)}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r1.Unregister("removed"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := os.RemoveAll(gone); err != nil {
		t.Fatal(err)
	}

	r2 := New(WithStore(db))
	n, err := r2.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}
	sup, err := r2.Get("keep")
	if err != nil {
		t.Fatalf("get restored: %v", err)
	}
	if sup.Name() != "kept" || len(sup.Spec().Args) != 1 {
		t.Fatalf("restored spec = %+v", sup.Spec())
	}
}

// blockingStore holds Upsert until release is closed, then fails it.
type blockingStore struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) EnsureSchema(context.Context) error { return nil }
func (s *blockingStore) Upsert(context.Context, store.Registration) error {
	close(s.entered)
	<-s.release
	return errors.New("disk full")
}
func (s *blockingStore) Get(context.Context, string) (store.Registration, error) {
	return store.Registration{}, store.ErrNotFound
}
func (s *blockingStore) Delete(context.Context, string) error               { return nil }
func (s *blockingStore) List(context.Context) ([]store.Registration, error) { return nil, nil }
func (s *blockingStore) Close() error                                       { return nil }

func TestFailedPersistTerminatesStartedProcess(t *testing.T) {
	st := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	r := New(WithStore(st), WithSupervisorOptions(supervisor.Options{KillWait: 2 * time.Second}))
	dir := serverDir(t, loopServer)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Register(Record{ID: "s1", WorkDir: dir})
		errc <- err
	}()
	<-st.entered

	sup, err := r.Get("s1")
	if err != nil {
		t.Fatalf("entry should be visible while persisting: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := sup.PID()
	if pid <= 0 {
		t.Fatal("no pid after start")
	}

	close(st.release)
	if err := <-errc; err == nil {
		t.Fatal("register should report the persist failure")
	}
	if _, err := r.Get("s1"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("entry after rollback: %v", err)
	}
	r.ShutdownAll()
	waitUntil(t, 5*time.Second, "rolled back process to exit", func() bool { return !alive(pid) })
	if st := sup.Status().State; st.Kind != supervisor.Exited {
		t.Fatalf("state after rollback = %s", st.Kind)
	}
}
