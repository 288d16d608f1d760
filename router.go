package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"threadlens/pkg/handler"
	"threadlens/pkg/ingest"
	"threadlens/pkg/metrics"
	"threadlens/pkg/query"
	"threadlens/pkg/queue"
)

// Server owns the gin engine and its HTTP lifecycle.
type Server struct {
	ginEngine *gin.Engine
	logger    *slog.Logger
	host      string
	port      int
}

// ServerDeps are the already-constructed services the routes delegate to.
type ServerDeps struct {
	Admission *ingest.Controller
	Queries   *query.Service
	Queue     queue.Queue
	Metrics   *metrics.Recorder
}

// NewServer builds a Server and wires its routes against deps.
func NewServer(host string, port int, logger *slog.Logger, deps ServerDeps) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	ginEngine.Use(requestMetricsMiddleware(deps.Metrics))

	server := &Server{ginEngine: ginEngine, logger: logger, host: host, port: port}
	server.setupRoutes(deps)
	return server
}

// requestMetricsMiddleware observes request_duration_seconds for every
// route, labeled by method and the matched route path (not the raw URL, so
// path-parameterized routes don't explode the metric's cardinality).
func requestMetricsMiddleware(rec *metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if rec == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		rec.ObserveRequest(c.Request.Method, path, time.Since(start).Seconds())
	}
}

func (s *Server) setupRoutes(deps ServerDeps) {
	conversationHandler := handler.NewConversationHandler(deps.Admission)
	insightHandler := handler.NewInsightHandler(deps.Queries)
	healthHandler := handler.NewHealthHandler(deps.Queue)

	s.ginEngine.GET("/health", healthHandler.Get)
	if deps.Metrics != nil {
		s.ginEngine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	apiGroup := s.ginEngine.Group("/api/v1")

	conversationsGroup := apiGroup.Group("/conversations")
	{
		conversationsGroup.POST("", conversationHandler.Create)
		conversationsGroup.POST("/bulk", conversationHandler.CreateBulk)
		conversationsGroup.POST("/bulk/stream", conversationHandler.CreateBulkStream)
	}

	apiGroup.GET("/insights", insightHandler.List)
	apiGroup.GET("/trends", insightHandler.Trends)
}

// Start listens and serves in a goroutine, shutting down gracefully when
// ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
		}
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	return nil
}
