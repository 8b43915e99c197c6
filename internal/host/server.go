// Package host serves a cluster over HTTP. Objects are addressed by binding
// and name; requests asking for a WebSocket upgrade are handed to the object
// with a live socket when the object is local.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/durable/internal/actor"
	"github.com/danmuck/durable/internal/cluster"
	"github.com/danmuck/durable/internal/logging"
	"github.com/danmuck/durable/internal/observability"
	"github.com/danmuck/durable/internal/rpc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

type Options struct {
	Name            string
	Addr            string
	CORSOrigins     []string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	Logger          *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "durable"
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if len(o.CORSOrigins) == 0 {
		o.CORSOrigins = []string{"http://localhost:3000"}
	}
	return o
}

type Server struct {
	cluster  *cluster.Cluster
	opts     Options
	router   *gin.Engine
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	started  time.Time

	// ctx outlives single requests; socket read loops run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sockets map[*socket]struct{}
	closing bool
	loops   sync.WaitGroup
}

func New(c *cluster.Cluster, opts Options) *Server {
	opts = opts.withDefaults()
	observability.RegisterMetrics()

	logger := logging.Component("host")
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "host").Logger()
	}
	logger = logger.With().Str("node", opts.Name).Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(opts.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  opts.CORSOrigins,
		AllowWildcard: true,
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cluster: c,
		opts:    opts,
		router:  r,
		logger:  logger,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		sockets: make(map[*socket]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"node":      s.opts.Name,
			"instances": s.cluster.Instances(),
			"version":   version,
		})
	})
	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    true,
			"node":     s.opts.Name,
			"bindings": s.cluster.Env().Names(),
			"version":  version,
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.Any("/objects/:binding/:name/*path", s.handleObject)
	s.router.POST("/calls/:binding/:name/:method", s.handleCall)
}

func (s *Server) handleObject(c *gin.Context) {
	ns, err := s.cluster.Env().Binding(c.Param("binding"))
	if err != nil {
		s.fail(c, err)
		return
	}
	id := ns.IDFromName(c.Param("name"))

	req, err := actor.RequestFromHTTP(c.Request, s.opts.MaxBodyBytes)
	if err != nil {
		s.fail(c, err)
		return
	}
	req.URL = objectURL(c.Param("path"), c.Request.URL)

	if websocket.IsWebSocketUpgrade(c.Request) {
		s.handleUpgrade(c, ns, id, req)
		return
	}

	resp, err := ns.Get(id).Fetch(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	_ = resp.Write(c.Writer)
}

// objectURL is the URL the object sees: the path below its name plus the
// original query.
func objectURL(path string, u *url.URL) string {
	if path == "" {
		path = "/"
	}
	if u.RawQuery == "" {
		return path
	}
	return path + "?" + u.RawQuery
}

func (s *Server) handleUpgrade(c *gin.Context, ns *cluster.Namespace, id cluster.ID, req *actor.Request) {
	inst, err := ns.Instance(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	sock := newSocket()
	req.WebSocket = sock
	resp, err := inst.Fetch(c.Request.Context(), req)
	if err != nil {
		sock.Close(websocket.CloseInternalServerErr, "handler failed")
		s.fail(c, err)
		return
	}
	if resp.Status != http.StatusSwitchingProtocols {
		sock.Close(websocket.CloseNormalClosure, "")
		_ = resp.Write(c.Writer)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, resp.Header)
	if err != nil {
		// The upgrader has already answered the client.
		sock.peerClosed(websocket.CloseAbnormalClosure, "upgrade failed")
		s.logger.Warn().Err(err).Str("object", string(id)).Msg("host.websocket upgrade failed")
		return
	}
	if err := sock.attach(conn); err != nil {
		sock.peerClosed(websocket.CloseAbnormalClosure, err.Error())
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		sock.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	s.sockets[sock] = struct{}{}
	s.loops.Add(1)
	s.mu.Unlock()
	go s.readLoop(inst, sock, conn)
}

func (s *Server) readLoop(inst *actor.Instance, sock *socket, conn *websocket.Conn) {
	defer s.loops.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sockets, sock)
		s.mu.Unlock()
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			sock.peerClosed(code, reason)
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		err = inst.DeliverWebSocketMessage(s.ctx, sock, data)
		switch {
		case err == nil:
		case errors.Is(err, actor.ErrClosed), errors.Is(err, actor.ErrSocketNotAccepted):
			sock.Close(websocket.CloseGoingAway, "object unavailable")
			return
		default:
			s.logger.Warn().Err(err).Str("object", inst.ID()).Msg("host.websocket message failed")
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.opts.CORSOrigins, "*") || slices.Contains(s.opts.CORSOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// handleCall runs a named object method. The body is a JSON array of
// positional arguments; the result is written as JSON.
func (s *Server) handleCall(c *gin.Context) {
	ns, err := s.cluster.Env().Binding(c.Param("binding"))
	if err != nil {
		s.fail(c, err)
		return
	}
	req, err := actor.RequestFromHTTP(c.Request, s.opts.MaxBodyBytes)
	if err != nil {
		s.fail(c, err)
		return
	}
	var args []any
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "arguments must be a JSON array"})
			return
		}
	}

	var out json.RawMessage
	h := ns.Get(ns.IDFromName(c.Param("name")))
	if err := h.Call(c.Request.Context(), c.Param("method"), args, &out); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": out})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var remote *rpc.RemoteError
	switch {
	case errors.Is(err, cluster.ErrUnknownBinding), errors.Is(err, actor.ErrNoMethod):
		return http.StatusNotFound
	case errors.Is(err, actor.ErrBadArguments):
		return http.StatusBadRequest
	case errors.Is(err, actor.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, cluster.ErrNotLocal):
		return http.StatusMisdirectedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rpc.ErrTransport), errors.Is(err, cluster.ErrClosed), errors.Is(err, actor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &remote):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Serve answers HTTP on ln until ctx ends, then shuts down gracefully and
// closes open sockets.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("host.serve")

	select {
	case err := <-errCh:
		s.closeSockets()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeSockets()
	s.logger.Info().Err(err).Msg("host.shutdown")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run listens on Options.Addr and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) closeSockets() {
	s.mu.Lock()
	s.closing = true
	open := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		open = append(open, sock)
	}
	s.mu.Unlock()
	for _, sock := range open {
		sock.Close(websocket.CloseGoingAway, "server shutting down")
	}
	s.cancel()
	s.loops.Wait()
}
