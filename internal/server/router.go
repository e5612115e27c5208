package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/consolr/internal/console"
	"github.com/loykin/consolr/internal/metrics"
	"github.com/loykin/consolr/internal/registry"
	"github.com/loykin/consolr/internal/supervisor"
)

// Router provides embeddable HTTP handlers for managing game servers.
// Endpoints:
//
//	GET    {basePath}/servers                 list statuses
//	POST   {basePath}/servers                 body: registry.Record
//	GET    {basePath}/servers/:id             status
//	DELETE {basePath}/servers/:id             unregister (terminates a live process)
//	POST   {basePath}/servers/:id/start
//	POST   {basePath}/servers/:id/stop        blocks until exited or the kill wait runs out
//	POST   {basePath}/servers/:id/command     body: {"command": "..."}
//	GET    {basePath}/servers/:id/console     query: since=<seq> (optional)
//	DELETE {basePath}/servers/:id/console
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reg      *registry.Registry
	basePath string
	usage    UsageFunc
	metrics  http.Handler

	// stop answers only after the process exited, so responses may take
	// grace period plus kill wait
	writeTimeout time.Duration
}

// DefaultWriteTimeout covers a stop with the default grace period and kill wait.
const DefaultWriteTimeout = 60 * time.Second

// writeMargin is added on top of the worst-case stop duration.
const writeMargin = 30 * time.Second

// UsageFunc reports the latest resource sample for a server id.
type UsageFunc func(id string) (metrics.Usage, bool)

type Option func(*Router)

// WithUsage adds resource samples to status responses.
func WithUsage(fn UsageFunc) Option {
	return func(r *Router) { r.usage = fn }
}

// WithMetrics mounts h at GET /metrics, outside basePath.
func WithMetrics(h http.Handler) Option {
	return func(r *Router) { r.metrics = h }
}

// WithWriteTimeout sets the HTTP write timeout used by NewServer.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Router) { r.writeTimeout = d }
}

// WriteTimeoutFor returns a write timeout long enough for a stop request to
// wait out opts' grace period and kill wait. It never goes below DefaultWriteTimeout.
func WriteTimeoutFor(opts supervisor.Options) time.Duration {
	grace, kill := opts.GracePeriod, opts.KillWait
	if grace <= 0 {
		grace = supervisor.DefaultGracePeriod
	}
	if kill <= 0 {
		kill = supervisor.DefaultKillWait
	}
	return max(grace+kill+writeMargin, DefaultWriteTimeout)
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(reg *registry.Registry, basePath string, opts ...Option) *Router {
	r := &Router{reg: reg, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/servers", r.handleList)
	group.POST("/servers", r.handleRegister)
	group.GET("/servers/:id", r.handleStatus)
	group.DELETE("/servers/:id", r.handleUnregister)
	group.POST("/servers/:id/start", r.handleStart)
	group.POST("/servers/:id/stop", r.handleStop)
	group.POST("/servers/:id/command", r.handleCommand)
	group.GET("/servers/:id/console", r.handleConsole)
	group.DELETE("/servers/:id/console", r.handleClearConsole)
	return g
}

// NewServer binds addr and serves this router in the background. Bind
// errors are returned; the caller owns Shutdown.
func NewServer(addr, basePath string, reg *registry.Registry, opts ...Option) (*http.Server, error) {
	r := NewRouter(reg, basePath, opts...)
	return serve(addr, r.Handler(), r.writeTimeout)
}

// Serve binds addr and serves h in the background with DefaultWriteTimeout.
func Serve(addr string, h http.Handler) (*http.Server, error) {
	return serve(addr, h, DefaultWriteTimeout)
}

func serve(addr string, h http.Handler, writeTimeout time.Duration) (*http.Server, error) {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// Shutdown closes srv, waiting up to timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return srv.Close()
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type serverView struct {
	supervisor.Status
	Resources *metrics.Usage `json:"resources,omitempty"`
}

type commandReq struct {
	Command string `json:"command"`
}

type consoleResp struct {
	Lines []console.Line `json:"lines"`
	Next  uint64         `json:"next"` // pass back as since to get only newer lines
}

func (r *Router) view(sup *supervisor.Supervisor) serverView {
	v := serverView{Status: sup.Status()}
	if r.usage != nil && v.State.Live() {
		if u, ok := r.usage(sup.ID()); ok && int(u.PID) == v.State.PID {
			v.Resources = &u
		}
	}
	return v
}

func (r *Router) lookup(c *gin.Context) (*supervisor.Supervisor, bool) {
	sup, err := r.reg.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return sup, true
}

func (r *Router) handleList(c *gin.Context) {
	sups := r.reg.List()
	out := make([]serverView, 0, len(sups))
	for _, s := range sups {
		out = append(out, r.view(s))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleRegister(c *gin.Context) {
	var rec registry.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if rec.ID != "" && !isSafeID(rec.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	if !isSafeAbsPath(rec.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return
	}
	sup, err := r.reg.Register(rec)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r.view(sup))
}

func (r *Router) handleStatus(c *gin.Context) {
	sup, ok := r.lookup(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.view(sup))
}

func (r *Router) handleUnregister(c *gin.Context) {
	if err := r.reg.Unregister(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	sup, ok := r.lookup(c)
	if !ok {
		return
	}
	if err := sup.Start(); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.view(sup))
}

func (r *Router) handleStop(c *gin.Context) {
	sup, ok := r.lookup(c)
	if !ok {
		return
	}
	if err := sup.Stop(); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.view(sup))
}

func (r *Router) handleCommand(c *gin.Context) {
	sup, ok := r.lookup(c)
	if !ok {
		return
	}
	var req commandReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := sup.SendCommand(req.Command); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleConsole(c *gin.Context) {
	sup, ok := r.lookup(c)
	if !ok {
		return
	}
	raw, has := c.GetQuery("since")
	if !has {
		snap := sup.Snapshot()
		writeJSON(c, http.StatusOK, consoleResp{Lines: nonNil(snap.Lines), Next: snap.LastSeq})
		return
	}
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid since: " + raw})
		return
	}
	lines := sup.ConsoleSince(since)
	next := since
	if n := len(lines); n > 0 {
		next = lines[n-1].Seq
	}
	writeJSON(c, http.StatusOK, consoleResp{Lines: nonNil(lines), Next: next})
}

func (r *Router) handleClearConsole(c *gin.Context) {
	sup, ok := r.lookup(c)
	if !ok {
		return
	}
	sup.ClearConsole()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func nonNil(l []console.Line) []console.Line {
	if l == nil {
		return []console.Line{}
	}
	return l
}
