package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sipeed/linkdrop/pkg/logger"
)

// StatusFunc contributes extra fields to GET /status.
type StatusFunc func() map[string]interface{}

type Server struct {
	addr    string
	engine  *gin.Engine
	started time.Time
	status  StatusFunc
}

func NewServer(addr string, status StatusFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:    addr,
		engine:  gin.New(),
		started: time.Now(),
		status:  status,
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/", s.healthy)
	s.engine.HEAD("/", s.healthy)
	s.engine.GET("/status", s.statusJSON)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) healthy(c *gin.Context) {
	c.String(http.StatusOK, "healthy")
}

func (s *Server) statusJSON(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

// Start serves in the background and shuts down when ctx ends. The returned
// channel carries the serve error, if any, and is closed on exit.
func (s *Server) Start(ctx context.Context) <-chan error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		logger.InfoCF("health", "Health endpoint listening", map[string]interface{}{
			"addr": s.addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("health", "Health endpoint failed", map[string]interface{}{
				"error": err.Error(),
			})
			errs <- err
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WarnCF("health", "Health endpoint shutdown failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return errs
}
