//go:build !windows

package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/consolr/internal/metrics"
	"github.com/loykin/consolr/internal/process"
	"github.com/loykin/consolr/internal/registry"
)

func serverDir(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, process.DefaultExecutable())
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return dir
}

func waitConsole(t *testing.T, h http.Handler, path string, want int) consoleResp {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := decode[consoleResp](t, doReq(t, h, http.MethodGet, path, nil))
		if len(resp.Lines) >= want {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("console %s: have %d lines, want %d", path, len(resp.Lines), want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServerLifecycleOverHTTP(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	dir := serverDir(t, `echo "Server started"
while read line; do
  [ "$line" = "exit" ] && exit 0
  echo "you said $line"
  echo "warn $line" 1>&2
done`)

	if rec := doReq(t, h, http.MethodPost, "/api/servers", registry.Record{ID: "race", WorkDir: dir}); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	rec := doReq(t, h, http.MethodPost, "/api/servers/race/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	if v := decode[serverView](t, rec); v.State.Kind.String() != "running" || v.State.PID == 0 {
		t.Fatalf("after start: %+v", v.State)
	}
	if rec := doReq(t, h, http.MethodPost, "/api/servers/race/start", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", rec.Code)
	}

	first := waitConsole(t, h, "/api/servers/race/console", 1)
	if first.Lines[0].Text != "Server started" {
		t.Fatalf("banner = %q", first.Lines[0].Text)
	}

	if rec := doReq(t, h, http.MethodPost, "/api/servers/race/command", commandReq{Command: "hi\n"}); rec.Code != http.StatusOK {
		t.Fatalf("command: %d %s", rec.Code, rec.Body.String())
	}
	newer := waitConsole(t, h, fmt.Sprintf("/api/servers/race/console?since=%d", first.Next), 2)
	origins := map[string]string{}
	for _, l := range newer.Lines {
		origins[l.Origin.String()] = l.Text
	}
	if origins["stdout"] != "you said hi" || origins["stderr"] != "warn hi" {
		t.Fatalf("unexpected lines: %+v", newer.Lines)
	}
	if newer.Next <= first.Next {
		t.Fatalf("next did not advance: %d -> %d", first.Next, newer.Next)
	}

	rec = doReq(t, h, http.MethodPost, "/api/servers/race/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", rec.Code, rec.Body.String())
	}
	v := decode[serverView](t, rec)
	if v.State.Kind.String() != "exited" || v.State.ExitCode == nil || *v.State.ExitCode != 0 {
		t.Fatalf("after stop: %+v", v.State)
	}

	if rec := doReq(t, h, http.MethodDelete, "/api/servers/race/console", nil); rec.Code != http.StatusOK {
		t.Fatalf("clear: %d", rec.Code)
	}
	cleared := decode[consoleResp](t, doReq(t, h, http.MethodGet, "/api/servers/race/console", nil))
	if len(cleared.Lines) != 0 || cleared.Next != newer.Next {
		t.Fatalf("after clear: %+v (next was %d)", cleared, newer.Next)
	}
}

func TestStatusIncludesResources(t *testing.T) {
	usage := func(id string) (metrics.Usage, bool) {
		return metrics.Usage{PID: -1}, true
	}
	h, reg := setupRouter(t, "", WithUsage(usage))
	sup, err := reg.Register(registry.Record{ID: "s", WorkDir: serverDir(t, `while true; do sleep 1; done`)})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// a sample from another pid is stale and must not be reported
	v := decode[serverView](t, doReq(t, h, http.MethodGet, "/servers/s", nil))
	if v.Resources != nil {
		t.Fatalf("stale sample reported: %+v", v.Resources)
	}

	pid := int32(sup.PID())
	h = NewRouter(reg, "", WithUsage(func(string) (metrics.Usage, bool) {
		return metrics.Usage{PID: pid, MemoryMB: 12.5}, true
	})).Handler()
	v = decode[serverView](t, doReq(t, h, http.MethodGet, "/servers/s", nil))
	if v.Resources == nil || v.Resources.MemoryMB != 12.5 {
		t.Fatalf("resources = %+v", v.Resources)
	}
}
