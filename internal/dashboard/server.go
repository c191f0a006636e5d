// Package dashboard serves the local signalbox HTTP API: the ingest endpoint
// the agent host posts lifecycle events to, plus read-only observe routes and
// an SSE stream for live session state.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/signalbox/internal/semaphore"
	"github.com/zulandar/signalbox/internal/store"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Reporter *semaphore.Reporter
	Store    *store.Store
	Port     int
	Out      io.Writer
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Reporter == nil {
		return fmt.Errorf("dashboard: reporter is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8090
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts.Reporter, opts.Store)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Event API listening at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with all routes registered.
func newRouter(rep *semaphore.Reporter, st *store.Store) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, rep, st)
	return router
}
