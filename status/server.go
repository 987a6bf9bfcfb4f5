// Package status serves a read-only JSON view of a running client
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/netsys-lab/edge-trace-client/control"
	log "github.com/sirupsen/logrus"
)

const SHUTDOWN_TIMEOUT = 2 * time.Second

// SnapshotSource is implemented by control.Client
type SnapshotSource interface {
	Snapshot() control.Snapshot
}

type Server struct {
	source SnapshotSource
	engine *gin.Engine
	http   *http.Server
}

func NewServer(addr string, source SnapshotSource) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "HEAD", "OPTIONS"},
		MaxAge:       12 * time.Hour,
	}))

	s := &Server{source: source, engine: r}
	r.GET("/status", s.getStatus)
	r.GET("/healthz", s.healthz)

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Snapshot())
}

func (s *Server) healthz(c *gin.Context) {
	snap := s.source.Snapshot()
	if snap.State == control.StateShutDown {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shut_down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": snap.State})
}

// Serve blocks until ctx is done or the listener fails
func (s *Server) Serve(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		log.Infof("[Status] Serving status on %s", s.http.Addr)
		errs <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
