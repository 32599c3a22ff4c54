package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/eschnou/sunorooms/config"
	"github.com/eschnou/sunorooms/core/room"
	"github.com/eschnou/sunorooms/logger"
)

// Server is the room relay: WebSocket channel, presence API and an
// optional audio proxy.
type Server struct {
	cfg    *config.Config
	hub    *room.RoomHub
	router *mux.Router
}

// New builds the router. audio may be nil, in which case /audio is not
// served.
func New(cfg *config.Config, hub *room.RoomHub, audio ObjectReader) *Server {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	RegisterRoomRoutes(router, NewRoomHandler(hub))
	if audio != nil {
		router.Handle("/audio/{path:.+}", NewAudioHandler(audio)).Methods(http.MethodGet, http.MethodHead)
	}

	return &Server{cfg: cfg, hub: hub, router: router}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:        s.cfg.ServerAddr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Relay server starting", logger.String("addr", s.cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.hub.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
