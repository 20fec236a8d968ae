// Package api serves the crawler's HTTP status/control surface: health,
// live counters, recent harvests, and manual blocklist management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/p2pspider/p2pspider/internal/dht"
	"github.com/p2pspider/p2pspider/internal/orchestrator"
	"github.com/p2pspider/p2pspider/internal/store"
	"github.com/p2pspider/p2pspider/internal/ws"
)

// Server is the HTTP API server.
type Server struct {
	router       *mux.Router
	server       *http.Server
	port         int
	engine       *dht.Engine
	orchestrator *orchestrator.Orchestrator
	sink         *store.Sink
	wsHub        *ws.Hub
}

// NewServer builds a Server bound to port, reading live state from
// engine/orchestrator/sink and serving the websocket feed from hub.
func NewServer(port int, engine *dht.Engine, orch *orchestrator.Orchestrator, sink *store.Sink, hub *ws.Hub) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		port:         port,
		engine:       engine,
		orchestrator: orch,
		sink:         sink,
		wsHub:        hub,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/harvests", s.handleHarvests).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/blocklist", s.handleBlocklist).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/ws", s.wsHub.ServeHTTP).Methods(http.MethodGet)
}

// Start begins serving in the background. Call Shutdown to stop.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("api: server error: %v\n", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
