package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/spine/internal/auth"
	"github.com/danmuck/spine/internal/bus"
	"github.com/danmuck/spine/internal/mesh"
	"github.com/danmuck/spine/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Node is what the admin surface reads from a running process.
type Node interface {
	ProcessID() string
	IsRoot() bool
	Addr() string
	Ready() bool
	Peers() []mesh.PeerInfo
	Members() []mesh.ProcessRecord
}

// Server exposes read-only health, metrics and topology over HTTP.
type Server struct {
	node     Node
	bus      *bus.Bus
	router   *gin.Engine
	appeared time.Time
}

// Options configures the admin surface. An empty Token leaves it open.
type Options struct {
	CorsOrigins []string
	Token       string
}

func New(node Node, b *bus.Bus, opts Options) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger(node.ProcessID(), "admin"), "/health", "/ready", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(node.ProcessID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	if opts.Token != "" {
		r.Use(auth.Middleware(auth.StaticToken{Token: opts.Token}, "/health", "/ready"))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		node:     node,
		bus:      b,
		router:   r,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"uptime":     time.Since(s.appeared).String(),
			"process_id": s.node.ProcessID(),
			"version":    version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.node.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":      ready,
			"root":       s.node.IsRoot(),
			"process_id": s.node.ProcessID(),
			"addr":       s.node.Addr(),
		})
	})

	s.router.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"peers":   s.node.Peers(),
			"members": s.node.Members(),
		})
	})

	s.router.GET("/handlers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"commands": s.bus.Routes(bus.KindCommand),
			"queries":  s.bus.Routes(bus.KindQuery),
			"events":   s.bus.Routes(bus.KindEvent),
		})
	})

	s.router.GET("/queues", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.bus.QueueInfo())
	})
}

// Serve runs the admin listener until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().
		Str("process_id", s.node.ProcessID()).
		Str("addr", ln.Addr().String()).
		Msg("admin.Server.Serve listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
