package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loykin/consolr/internal/config"
	"github.com/loykin/consolr/internal/registry"
	storefactory "github.com/loykin/consolr/internal/store/factory"
	"github.com/loykin/consolr/pkg/client"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestServeRunsUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "race"), 0o755); err != nil {
		t.Fatal(err)
	}
	addr := freeAddr(t)
	cfg := `
[server]
listen = "` + addr + `"

[log.slog]
level = "error"

[metrics]
enabled = true

[store]
dsn = "sqlite://` + filepath.Join(dir, "reg.db") + `"

[[servers]]
id = "race"
name = "Race"
path = "race"
`
	cfgPath := filepath.Join(dir, "consolr.toml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	pidFile := filepath.Join(dir, "consolr.pid")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, &ServeFlags{PidFile: pidFile}, []string{cfgPath}, io.Discard)
	}()

	cl := client.New(client.Config{BaseURL: "http://" + addr + "/api", Timeout: time.Second})
	deadline := time.Now().Add(5 * time.Second)
	for !cl.IsReachable(context.Background()) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("daemon never became reachable: %v", <-done)
		}
		time.Sleep(20 * time.Millisecond)
	}

	sts, err := cl.List(context.Background())
	if err != nil || len(sts) != 1 || sts[0].ID != "race" || sts[0].Name != "Race" {
		t.Fatalf("list = %+v, %v", sts, err)
	}

	b, err := os.ReadFile(pidFile)
	if err != nil || strings.TrimSpace(string(b)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pidfile = %q, %v", b, err)
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "consolr_") {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("pidfile should be removed, stat err = %v", err)
	}
}

func TestServeBadConfig(t *testing.T) {
	err := runServe(context.Background(), &ServeFlags{}, []string{filepath.Join(t.TempDir(), "missing.toml")}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "error loading config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRegisterServersConfigReplacesStored(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := storefactory.NewFromDSN(ctx, filepath.Join(dir, "reg.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer func() { _ = st.Close() }()

	work := t.TempDir()
	old := registry.New(registry.WithStore(st))
	if _, err := old.Register(registry.Record{WorkDir: work, Name: "old"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cfg := &config.Config{Servers: []config.ServerEntry{{Path: work, Name: "new"}}}
	reg := registry.New(registry.WithStore(st))
	if err := registerServers(ctx, reg, cfg, discardLogger()); err != nil {
		t.Fatalf("registerServers: %v", err)
	}
	sup, err := reg.Get(registry.IdentityFor(work))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sup.Name() != "new" {
		t.Fatalf("name = %s", sup.Name())
	}
	if n := len(reg.List()); n != 1 {
		t.Fatalf("registered = %d", n)
	}
}
