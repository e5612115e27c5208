package consolr

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/consolr/internal/config"
	"github.com/loykin/consolr/internal/console"
	"github.com/loykin/consolr/internal/history"
	histfactory "github.com/loykin/consolr/internal/history/factory"
	"github.com/loykin/consolr/internal/metrics"
	"github.com/loykin/consolr/internal/registry"
	iapi "github.com/loykin/consolr/internal/server"
	"github.com/loykin/consolr/internal/store"
	storefactory "github.com/loykin/consolr/internal/store/factory"
	"github.com/loykin/consolr/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Record = registry.Record

type Supervisor = supervisor.Supervisor

type SupervisorOptions = supervisor.Options

type Status = supervisor.Status

type Snapshot = supervisor.Snapshot

type State = supervisor.State

type StateKind = supervisor.StateKind

type ConsoleLine = console.Line

type Config = config.Config

type HistorySink = history.Sink

type Store = store.Store

type Option = registry.Option

type ResourceSampler = metrics.ResourceSampler

type ServerOption = iapi.Option

const (
	Stopped  = supervisor.Stopped
	Starting = supervisor.Starting
	Running  = supervisor.Running
	Stopping = supervisor.Stopping
	Exited   = supervisor.Exited
)

var (
	ErrAlreadyRunning     = supervisor.ErrAlreadyRunning
	ErrNotRunning         = supervisor.ErrNotRunning
	ErrSpawnFailed        = supervisor.ErrSpawnFailed
	ErrWriteFailed        = supervisor.ErrWriteFailed
	ErrTerminationTimeout = supervisor.ErrTerminationTimeout
	ErrDuplicateIdentity  = registry.ErrDuplicateIdentity
	ErrUnknownIdentity    = registry.ErrUnknownIdentity
	ErrInvalidRecord      = registry.ErrInvalidRecord
	ErrRegistryClosed     = registry.ErrRegistryClosed
)

var (
	WithSupervisorOptions = registry.WithSupervisorOptions
	WithDefaultExecutable = registry.WithDefaultExecutable
	WithStore             = registry.WithStore
	WithLogger            = registry.WithLogger

	WithUsage   = iapi.WithUsage
	WithMetrics = iapi.WithMetrics
)

// IdentityFor derives the stable server identity of a folder.
func IdentityFor(path string) string { return registry.IdentityFor(path) }

// Manager is a thin facade over the server registry.
// It provides a stable public API for embedding.
type Manager struct{ inner *registry.Registry }

func New(opts ...Option) *Manager { return &Manager{inner: registry.New(opts...)} }

func (m *Manager) Register(r Record) (*Supervisor, error) { return m.inner.Register(r) }
func (m *Manager) Unregister(id string) error             { return m.inner.Unregister(id) }
func (m *Manager) Get(id string) (*Supervisor, error)     { return m.inner.Get(id) }
func (m *Manager) List() []*Supervisor                    { return m.inner.List() }
func (m *Manager) LivePIDs() map[string]int32             { return m.inner.LivePIDs() }
func (m *Manager) Restore(ctx context.Context) (int, error) {
	return m.inner.Restore(ctx)
}
func (m *Manager) ShutdownAll() { m.inner.ShutdownAll() }

func (m *Manager) Start(id string) error {
	s, err := m.inner.Get(id)
	if err != nil {
		return err
	}
	return s.Start()
}

func (m *Manager) Stop(id string) error {
	s, err := m.inner.Get(id)
	if err != nil {
		return err
	}
	return s.Stop()
}

func (m *Manager) SendCommand(id, text string) error {
	s, err := m.inner.Get(id)
	if err != nil {
		return err
	}
	return s.SendCommand(text)
}

func (m *Manager) Status(id string) (Status, error) {
	s, err := m.inner.Get(id)
	if err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

func (m *Manager) Snapshot(id string) (Snapshot, error) {
	s, err := m.inner.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

func (m *Manager) ConsoleSince(id string, seq uint64) ([]ConsoleLine, error) {
	s, err := m.inner.Get(id)
	if err != nil {
		return nil, err
	}
	return s.ConsoleSince(seq), nil
}

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewHTTPServer starts an HTTP server exposing the API for m.
func NewHTTPServer(addr, basePath string, m *Manager, opts ...ServerOption) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, m.inner, opts...)
}

// ShutdownHTTPServer stops srv, waiting up to timeout for in-flight requests.
func ShutdownHTTPServer(srv *http.Server, timeout time.Duration) error {
	return iapi.Shutdown(srv, timeout)
}

// NewHistorySink opens a lifecycle history sink from a DSN
// (sqlite path, postgres:// or clickhouse://).
func NewHistorySink(dsn string) (HistorySink, error) { return histfactory.NewSinkFromDSN(dsn) }

// OpenStore opens a registration store from a DSN and ensures its schema.
func OpenStore(ctx context.Context, dsn string) (Store, error) {
	return storefactory.NewFromDSN(ctx, dsn)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

func MetricsHandler() http.Handler { return metrics.Handler() }

// NewResourceSampler samples CPU and memory of every running server of m.
func NewResourceSampler(interval time.Duration, m *Manager) *ResourceSampler {
	return metrics.NewResourceSampler(interval, m.inner.LivePIDs)
}

// NewMetricsServer serves /metrics from the default registry on addr in the background.
func NewMetricsServer(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return iapi.Serve(addr, mux)
}
