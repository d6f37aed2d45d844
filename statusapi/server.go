// Package statusapi serves a read-only HTTP view of a running node.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	stdnet "net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lcx/peerlink/config"
	"github.com/lcx/peerlink/log"
	"github.com/lcx/peerlink/metrics"
	"github.com/lcx/peerlink/net"
)

// Server is the status HTTP server of one manager. It only reads the
// manager's state:
//
//	GET /status      identity, user count and connectors
//	GET /users       the user table
//	GET /users/:id   one user
//	GET /proxy       proxy servers and the users they relay
//	GET /files       running file transfers
//	GET /metrics     prometheus metrics, when enabled
type Server struct {
	m      *net.Manager
	cfg    *StatusAPICfg
	router *gin.Engine

	mu   sync.Mutex
	srv  *http.Server
	addr stdnet.Addr
	done chan struct{}
}

// NewServer builds the router for m. A nil cfg uses DefaultStatusAPICfg.
// Nothing is bound until Start.
func NewServer(m *net.Manager, cfg *StatusAPICfg) *Server {
	if cfg == nil {
		cfg = DefaultStatusAPICfg()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{m: m, cfg: cfg, router: gin.New()}
	s.router.Use(gin.Recovery(), accessLog())
	s.setupRoutes()
	return s
}

// LoadStatusAPICfg loads the "status_api" config, keeping defaults when no
// file exists.
func LoadStatusAPICfg(cm config.ConfigManager) (*StatusAPICfg, error) {
	cfg := DefaultStatusAPICfg()
	if err := cm.LoadConfig(_statusAPICfgName, cfg); err != nil && !config.IsFileMissing(err) {
		return nil, fmt.Errorf("load status api config failed: %w", err)
	}
	return cfg, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/users", s.handleUsers)
	s.router.GET("/users/:id", s.handleUser)
	s.router.GET("/proxy", s.handleProxy)
	s.router.GET("/files", s.handleFiles)
	if s.cfg.Metrics {
		s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listen address and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("status api already started")
	}
	ln, err := (&stdnet.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.readTimeout(),
		WriteTimeout: s.cfg.writeTimeout(),
	}
	s.srv, s.addr, s.done = srv, ln.Addr(), make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("status api stopped")
		}
	}(s.done)
	log.Info().Str("addr", ln.Addr().String()).Msg("status api listening")
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() stdnet.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts the server down, waiting up to 5s for open requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	<-done
	return err
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.IncrCounterWithDimGroup("statusapi", "requests_total", 1,
			metrics.Dimension{"path": c.FullPath(), "code": strconv.Itoa(c.Writer.Status())})
		log.Debug().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).Dur("latency", time.Since(start)).Msg("status api request")
	}
}
