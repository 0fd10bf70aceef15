package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svconsole/internal/auth"
	"github.com/loykin/svconsole/internal/console"
	"github.com/loykin/svconsole/internal/logbuf"
	"github.com/loykin/svconsole/internal/service"
)

// Router provides embeddable HTTP handlers for the console.
// Endpoints, relative to basePath:
//
//	GET    /services                      list records
//	GET    /services/:name                one record
//	POST   /services/:name/start          start a service
//	POST   /services/:name/stop           stop a service
//	POST   /services/:name/refresh        refresh status from the process probe
//	POST   /services/:name/output         capture the latest output line
//	POST   /services/:name/troubleshoot   recommendations for one service
//	GET    /services/:name/logs           output tail
//	POST   /lifecycle/start-all           sequential start
//	POST   /lifecycle/stop-all            concurrent stop
//	POST   /lifecycle/refresh             refresh every service
//	GET    /diagnostics                   full report
//	GET    /diagnostics/ports             port checks
//	GET    /diagnostics/processes         process checks
//	POST   /diagnostics/ports/:port/test  probe one port
//	GET    /logs?source=                  console log, newest first
//	DELETE /logs                          clear the console log
//	POST   /auth/login                    exchange credentials for a token
//
// The login route exists only when auth is configured; every other route
// then needs basic credentials or a bearer token. GETs need the read
// permission and everything else needs control.
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	cons     *console.Console
	basePath string
	timeout  time.Duration // per request; 0 leaves only the client's context
	auth     *auth.Service
}

type Option func(*Router)

// WithAuth protects the API with svc. A nil svc leaves it open.
func WithAuth(svc *auth.Service) Option {
	return func(r *Router) { r.auth = svc }
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/services, /api/diagnostics, ...
func NewRouter(cons *console.Console, basePath string, opts ...Option) *Router {
	r := &Router{cons: cons, basePath: sanitizeBase(basePath), timeout: 2 * time.Minute}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	base := g.Group(r.basePath)
	if r.auth != nil {
		base.POST("/auth/login", r.handleLogin)
	}
	group := base.Group("", r.auth.GinAuth(), r.auth.GinRequire())

	svc := group.Group("/services")
	svc.GET("", r.handleList)
	svc.GET("/:name", r.withService(r.handleGet))
	svc.POST("/:name/start", r.withService(r.handleStart))
	svc.POST("/:name/stop", r.withService(r.handleStop))
	svc.POST("/:name/refresh", r.withService(r.handleRefresh))
	svc.POST("/:name/output", r.withService(r.handleOutput))
	svc.POST("/:name/troubleshoot", r.withService(r.handleTroubleshoot))
	svc.GET("/:name/logs", r.withService(r.handleServiceLogs))

	lc := group.Group("/lifecycle")
	lc.POST("/start-all", r.handleStartAll)
	lc.POST("/stop-all", r.handleStopAll)
	lc.POST("/refresh", r.handleRefreshAll)

	diag := group.Group("/diagnostics")
	diag.GET("", r.handleDiagnostics)
	diag.GET("/ports", r.handlePorts)
	diag.GET("/processes", r.handleProcesses)
	diag.POST("/ports/:port/test", r.handleTestPort)

	group.GET("/logs", r.handleLogs)
	group.DELETE("/logs", r.handleClearLogs)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Stop it with the returned server's Shutdown or Close.
func NewServer(addr, basePath string, cons *console.Console, opts ...Option) (*http.Server, error) {
	r := NewRouter(cons, basePath, opts...)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type linesResp struct {
	Service service.Name `json:"service"`
	Lines   []string     `json:"lines"`
}

type recommendationsResp struct {
	Service         service.Name `json:"service"`
	Recommendations []string     `json:"recommendations"`
}

type portTestResp struct {
	Port   int    `json:"port"`
	Active bool   `json:"active"`
	Status string `json:"status"`
}

type serviceHandler func(ctx context.Context, c *gin.Context, name service.Name)

// withService resolves the :name parameter before calling h.
func (r *Router) withService(h serviceHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param("name")
		if !isSafeName(raw) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: allowed [A-Za-z0-9._-]"})
			return
		}
		name, err := r.cons.Lookup(raw)
		if err != nil {
			writeError(c, err)
			return
		}
		ctx, cancel := r.requestContext(c)
		defer cancel()
		h(ctx, c, name)
	}
}

func (r *Router) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), r.timeout)
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.cons.StatusAll())
}

func (r *Router) handleGet(_ context.Context, c *gin.Context, name service.Name) {
	rec, err := r.cons.Status(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

// Start and stop outlive the request: a client that disconnects mid-launch
// must not leave the service in Error or marked Stopped while still alive.
// The controller bounds both with its own timeouts.
func (r *Router) handleStart(ctx context.Context, c *gin.Context, name service.Name) {
	r.writeRecord(c)(r.cons.Start(context.WithoutCancel(ctx), name))
}

func (r *Router) handleStop(ctx context.Context, c *gin.Context, name service.Name) {
	r.writeRecord(c)(r.cons.Stop(context.WithoutCancel(ctx), name))
}

func (r *Router) handleRefresh(ctx context.Context, c *gin.Context, name service.Name) {
	r.writeRecord(c)(r.cons.RefreshStatus(ctx, name))
}

func (r *Router) handleOutput(ctx context.Context, c *gin.Context, name service.Name) {
	r.writeRecord(c)(r.cons.CaptureOutput(ctx, name))
}

func (r *Router) writeRecord(c *gin.Context) func(service.Record, error) {
	return func(rec service.Record, err error) {
		if err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, rec)
	}
}

func (r *Router) handleTroubleshoot(ctx context.Context, c *gin.Context, name service.Name) {
	recs, err := r.cons.Troubleshoot(ctx, name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recommendationsResp{Service: name, Recommendations: recs})
}

func (r *Router) handleServiceLogs(ctx context.Context, c *gin.Context, name service.Name) {
	lines, err := r.cons.GetLogs(ctx, name)
	if err != nil {
		writeError(c, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, linesResp{Service: name, Lines: lines})
}

func (r *Router) handleStartAll(c *gin.Context) {
	ctx, cancel := r.requestContext(c)
	defer cancel()
	writeJSON(c, http.StatusOK, r.cons.StartAll(ctx))
}

func (r *Router) handleStopAll(c *gin.Context) {
	ctx, cancel := r.requestContext(c)
	defer cancel()
	writeJSON(c, http.StatusOK, r.cons.StopAll(ctx))
}

func (r *Router) handleRefreshAll(c *gin.Context) {
	ctx, cancel := r.requestContext(c)
	defer cancel()
	writeJSON(c, http.StatusOK, r.cons.RefreshAll(ctx))
}

func (r *Router) handleDiagnostics(c *gin.Context) {
	ctx, cancel := r.requestContext(c)
	defer cancel()
	writeJSON(c, http.StatusOK, r.cons.RunFullDiagnostics(ctx))
}

func (r *Router) handlePorts(c *gin.Context) {
	ctx, cancel := r.requestContext(c)
	defer cancel()
	writeJSON(c, http.StatusOK, r.cons.CheckPorts(ctx))
}

func (r *Router) handleProcesses(c *gin.Context) {
	ctx, cancel := r.requestContext(c)
	defer cancel()
	writeJSON(c, http.StatusOK, r.cons.CheckProcesses(ctx))
}

func (r *Router) handleTestPort(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port <= 0 || port > 65535 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "port must be a number between 1 and 65535"})
		return
	}
	ctx, cancel := r.requestContext(c)
	defer cancel()
	st := r.cons.TestPort(ctx, port)
	writeJSON(c, http.StatusOK, portTestResp{Port: port, Active: st.Active, Status: st.Status})
}

func (r *Router) handleLogs(c *gin.Context) {
	source := c.Query("source")
	if source != "" && source != logbuf.SourceSystem {
		name, err := r.cons.Lookup(source)
		if err != nil {
			writeError(c, err)
			return
		}
		source = name.String()
	}
	entries := r.cons.LogSnapshot(source)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(c, http.StatusOK, entries)
}

func (r *Router) handleClearLogs(c *gin.Context) {
	r.cons.ClearLogs()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid login request: " + err.Error()})
		return
	}
	tok, res, err := r.auth.Login(req.Username, req.Password)
	if err != nil {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	r.cons.Log(logbuf.SourceSystem, logbuf.LevelInfo, "user "+res.Username+" logged in")
	writeJSON(c, http.StatusOK, tok)
}

// statusFor maps console errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}
