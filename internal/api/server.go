// Package api serves the ops surface of each process: liveness, a metrics
// summary, and the expvar counters.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/chatflow-io/chatflow/internal/database"
	"github.com/chatflow-io/chatflow/internal/stats"
)

// Pinger reports liveness of one dependency.
type Pinger func() error

type OpsServer struct {
	log   *log.Logger
	stats stats.StatsProvider

	// repo is nil when the process has no storage attached
	repo       database.MessageRepository
	components map[string]Pinger
	mux        *http.Server
}

// NewOpsServer mounts the ops routes on mux, which is expected to already
// carry the expvar handler, and wraps it with permissive CORS.
func NewOpsServer(mux *http.ServeMux, addr string, repo database.MessageRepository, components map[string]Pinger, logger *log.Logger, sp stats.StatsProvider) *OpsServer {
	s := &OpsServer{
		log:        logger,
		stats:      sp,
		repo:       repo,
		components: components,
	}

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /api/metrics", s.metrics)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)

	s.mux = &http.Server{
		Addr:    addr,
		Handler: h,
	}

	return s
}

func (s *OpsServer) Start() error {
	s.log.Printf("Starting ops server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *OpsServer) Shutdown(ctx context.Context) error {
	s.log.Println("Shutting down ops server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}

	return nil
}
