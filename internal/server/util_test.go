package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/loykin/consolr/internal/registry"
	"github.com/loykin/consolr/internal/supervisor"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeID(t *testing.T) {
	valid := []string{"a", "A1._-", "4f1c2a8e-0d6b-5b7e-9a51-2c3d4e5f6a7b"}
	invalid := []string{"", "..", "a..b", "a/b", `a\b`, "hello*", "unicode한글", "sp ace"}
	for _, s := range valid {
		if !isSafeID(s) {
			t.Fatalf("expected valid id %q", s)
		}
	}
	for _, s := range invalid {
		if isSafeID(s) {
			t.Fatalf("expected invalid id %q", s)
		}
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	valid := []string{"/", "/srv/race", "/srv/race/"}
	invalid := []string{"", "srv", "./srv", "/srv/../etc", "/srv//race", "/srv/./race"}
	for _, p := range valid {
		if !isSafeAbsPath(p) {
			t.Fatalf("expected valid path %q", p)
		}
	}
	for _, p := range invalid {
		if isSafeAbsPath(p) {
			t.Fatalf("expected invalid path %q", p)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", registry.ErrUnknownIdentity), http.StatusNotFound},
		{fmt.Errorf("%w: x", registry.ErrInvalidRecord), http.StatusBadRequest},
		{fmt.Errorf("%w: x", registry.ErrDuplicateIdentity), http.StatusConflict},
		{supervisor.ErrAlreadyRunning, http.StatusConflict},
		{supervisor.ErrNotRunning, http.StatusConflict},
		{registry.ErrRegistryClosed, http.StatusServiceUnavailable},
		{supervisor.ErrClosed, http.StatusServiceUnavailable},
		{&supervisor.SpawnError{Path: "/x", Err: errors.New("boom")}, http.StatusInternalServerError},
		{supervisor.ErrWriteFailed, http.StatusInternalServerError},
		{supervisor.ErrTerminationTimeout, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestWriteTimeoutCoversStop(t *testing.T) {
	if got := WriteTimeoutFor(supervisor.Options{}); got != DefaultWriteTimeout {
		t.Fatalf("defaults: got %v, want %v", got, DefaultWriteTimeout)
	}
	opts := supervisor.Options{GracePeriod: 2 * time.Minute, KillWait: 10 * time.Second}
	got := WriteTimeoutFor(opts)
	if got <= opts.GracePeriod+opts.KillWait {
		t.Fatalf("write timeout %v does not cover grace %v + kill wait %v", got, opts.GracePeriod, opts.KillWait)
	}

	srv, err := NewServer("127.0.0.1:0", "/api", registry.New(), WithWriteTimeout(got))
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer func() { _ = Shutdown(srv, time.Second) }()
	if srv.WriteTimeout != got {
		t.Fatalf("server write timeout = %v, want %v", srv.WriteTimeout, got)
	}

	plain, err := Serve("127.0.0.1:0", http.NotFoundHandler())
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer func() { _ = Shutdown(plain, time.Second) }()
	if plain.WriteTimeout != DefaultWriteTimeout {
		t.Fatalf("default write timeout = %v", plain.WriteTimeout)
	}
}
