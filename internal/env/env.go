// Package env composes the environment handed to spawned servers:
// OS environment, then daemon-wide variables, then per-server overrides.
package env

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

type Var map[string]string

type Env struct {
	mu     sync.RWMutex
	vars   Var  // daemon-wide variables
	base   Var  // cached OS environment
	useOS  bool // include the OS environment in Merge
	loaded bool
}

func New() *Env {
	return &Env{vars: make(Var), useOS: true}
}

// WithOS toggles inheriting the daemon's own environment.
func (e *Env) WithOS(use bool) *Env {
	e.mu.Lock()
	e.useOS = use
	e.mu.Unlock()
	return e
}

// Set sets a daemon-wide variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.mu.Lock()
	e.vars[k] = v
	e.mu.Unlock()
}

// SetPairs applies a list of "K=V" entries, skipping malformed ones.
func (e *Env) SetPairs(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.Set(k, v)
		}
	}
}

// LoadFile reads a dotenv style file: KEY=VALUE per line, '#' comments,
// optional "export " prefix and surrounding quotes.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from daemon config
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := split(line)
		if !ok {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		e.Set(strings.TrimSpace(k), unquote(strings.TrimSpace(v)))
	}
	return sc.Err()
}

// Merge composes the final environment: OS (when enabled), daemon-wide
// variables, then perServer overrides. ${VAR} references are expanded once
// against the composed map. The result is sorted by key.
func (e *Env) Merge(perServer []string) []string {
	e.mu.Lock()
	if e.useOS && !e.loaded {
		e.base = fromOS()
		e.loaded = true
	}
	m := make(Var, len(e.base)+len(e.vars)+len(perServer))
	if e.useOS {
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}
	e.mu.Unlock()

	for _, kv := range perServer {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// expand replaces ${VAR} with its value; unknown names are left as written.
func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

func fromOS() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	return base
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}
