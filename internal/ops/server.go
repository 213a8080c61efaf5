package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// StatusSource reports live pipeline state for the /status endpoint.
type StatusSource interface {
	QueueDepth() int
	ContextsIdle() int
	ContextsTotal() int
}

// Server serves the operator endpoints on its own listener, separate from
// the pipeline's work loops.
type Server struct {
	httpSrv *http.Server
	log     zerolog.Logger
}

// NewRouter builds the operator Gin engine. status may be nil, in which case
// /status reports only liveness fields.
func NewRouter(serviceName string, db *gorm.DB, status StatusSource) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(otelgin.Middleware(serviceName))
	r.Use(RequestID())
	r.Use(Logger())
	r.Use(Recovery())
	r.Use(Metrics())

	r.GET("/healthz", func(c *gin.Context) {
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(c.Request.Context())
			}
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/status", func(c *gin.Context) {
		body := gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if status != nil {
			body["queue_depth"] = status.QueueDepth()
			body["contexts_idle"] = status.ContextsIdle()
			body["contexts_total"] = status.ContextsTotal()
		}
		c.JSON(http.StatusOK, body)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// NewServer wraps the router in an http.Server bound to addr.
func NewServer(addr, serviceName string, db *gorm.DB, status StatusSource, log zerolog.Logger) *Server {
	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(serviceName, db, status),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With().Str("component", "ops").Logger(),
	}
}

// Start begins serving in a background goroutine. Listener errors other than
// http.ErrServerClosed are logged at error level.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.httpSrv.Addr).Msg("operator server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("operator server failed")
		}
	}()
}

// Shutdown gracefully stops the server, waiting for in-flight requests up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
