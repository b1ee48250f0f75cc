package server

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/simrunner/internal/manager"
	"github.com/loykin/simrunner/internal/metrics"
)

// maxCreateBody bounds creation request bodies; sources are small scripts.
const maxCreateBody = 4 << 20

// Router provides embeddable HTTP handlers for running and viewing simulations.
// Endpoints (relative to basePath):
//
//	POST /simrunner/createnewsimulation   body: {"name","source","backend"}
//	GET  /simrunner/stopsimulation        query: uuid
//	GET  /simrunner/status                query: uuid
//	GET  /simrunner/simulations           running simulations
//	GET  /simrunner/simulations/:uuid
//	GET  /simrunner/workermetrics         query: uuid (optional)
//	GET  /saveviewer/allsimulations
//	GET  /saveviewer/simulation           query: uuid
//	GET  /saveviewer/framedata            query: uuid, index
//	GET  /saveviewer/stepdata             query: uuid, index
//	GET  /ws/usercomms                    websocket
//	GET  /ws/initlogs/:uuid               websocket
//	GET  /metrics                         when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sims     *manager.Simulations
	mgr      *manager.Manager
	basePath string
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// Options tunes a Router.
type Options struct {
	BasePath string
	// AllowedOrigins are accepted for websocket upgrades in addition to the
	// request's own host and localhost. "*" accepts any origin.
	AllowedOrigins []string
	// Workers serves /simrunner/workermetrics when set.
	Workers *metrics.WorkerCollector
	// ServeMetrics mounts the prometheus handler at /metrics.
	ServeMetrics bool
	Logger       *slog.Logger
}

// NewRouter constructs a Router over the creation service.
func NewRouter(sims *manager.Simulations, opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		sims:     sims,
		mgr:      sims.Manager(),
		basePath: sanitizeBase(opts.BasePath),
		opts:     opts,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the routes to an existing gin router group.
func (r *Router) Register(group gin.IRoutes) {
	group.POST("/simrunner/createnewsimulation", r.handleCreate)
	group.GET("/simrunner/stopsimulation", r.handleStop)
	group.GET("/simrunner/status", r.handleStatus)
	group.GET("/simrunner/simulations", r.handleList)
	group.GET("/simrunner/simulations/:uuid", r.handleGet)
	group.GET("/simrunner/workermetrics", r.handleWorkerMetrics)

	group.GET("/saveviewer/allsimulations", r.handleAllSimulations)
	group.GET("/saveviewer/simulation", r.handleSimulation)
	group.GET("/saveviewer/framedata", r.handleFrameData)
	group.GET("/saveviewer/stepdata", r.handleStepData)

	group.GET("/ws/usercomms", r.handleUserComms)
	group.GET("/ws/initlogs/:uuid", r.handleInitLogs)

	if r.opts.ServeMetrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}

// NewServer starts a standalone HTTP server on addr using h. Listen errors
// are returned; serve errors after start-up are logged.
func NewServer(addr string, h http.Handler, readHeaderTimeout time.Duration, tlsCfg *tls.Config, log *slog.Logger) (*http.Server, error) {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	// no read/write timeouts: websocket sessions are long lived
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "addr", srv.Addr, "error", err)
		}
	}()
	return srv, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	UUID    string `json:"uuid"`
	Running bool   `json:"running"`
}

func (r *Router) handleCreate(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCreateBody))
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}
	req, err := manager.DecodeCreateRequest(body)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	id, err := r.sims.Create(req)
	switch {
	case errors.Is(err, manager.ErrInvalidRequest):
		c.String(http.StatusBadRequest, err.Error())
	case err != nil:
		r.log.Error("create simulation failed", "name", req.Name, "error", err)
		c.String(http.StatusInternalServerError, err.Error())
	default:
		c.String(http.StatusOK, id)
	}
}

func (r *Router) handleStop(c *gin.Context) {
	id := c.Query("uuid")
	if id == "" {
		c.String(http.StatusBadRequest, "No simulation UUID provided")
		return
	}
	if err := r.sims.Stop(id); err != nil {
		c.String(http.StatusNotFound, err.Error())
		return
	}
	c.Status(http.StatusOK)
}

func (r *Router) handleStatus(c *gin.Context) {
	id := c.Query("uuid")
	if id == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "uuid query param required"})
		return
	}
	writeJSON(c, http.StatusOK, statusResp{UUID: id, Running: r.mgr.IsRunning(id)})
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.List())
}

func (r *Router) handleGet(c *gin.Context) {
	in, err := r.mgr.Get(c.Param("uuid"))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, in)
}

func (r *Router) handleWorkerMetrics(c *gin.Context) {
	w := r.opts.Workers
	if w == nil || !w.IsEnabled() {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "worker metrics disabled"})
		return
	}
	if id := c.Query("uuid"); id != "" {
		h, ok := w.History(id)
		if !ok {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples for " + id})
			return
		}
		writeJSON(c, http.StatusOK, h)
		return
	}
	out := make(map[string]metrics.WorkerSample)
	for id := range r.mgr.WorkerPIDs() {
		if s, ok := w.Latest(id); ok {
			out[id] = s
		}
	}
	writeJSON(c, http.StatusOK, out)
}
