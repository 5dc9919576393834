package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Server exposes the relay hub over a WebSocket endpoint at /relay.
type Server struct {
	hub      *Hub
	server   *http.Server
	upgrader *websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(addr string, logger *slog.Logger) *Server {
	s := &Server{
		hub:    NewHub(logger),
		logger: logger,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/relay", s.handleWS)

	if addr == "" {
		addr = ":8090"
	}
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConnection(s.hub, ws)
	if err := conn.Handle(r.Context()); err != nil {
		s.logger.Warn("relay connection ended", "error", err)
	}
}
