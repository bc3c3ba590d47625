// Package guisession is the thin, loopback-only collaborator that speaks a
// JSON-over-WebSocket protocol to a local GUI, supplementing the feature
// original_source/agkyra/protocol.py and protocol_client.py show but
// spec.md §1 places out of the synchronization core. It holds no sync
// logic: it only subscribes to the Messager and relays what it reads,
// exactly the boundary spec.md draws between the core and its
// collaborators. Modeled on the teacher's signal.go for the
// listen-until-canceled shape, using github.com/coder/websocket instead of
// the teacher's HTTP-only surface since this collaborator's entire job is
// to push messages to a browser tab.
package guisession

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agkyra/archivesync/internal/messager"
)

// Server accepts loopback WebSocket connections and streams Messager
// events to each as JSON.
type Server struct {
	addr   string
	msg    *messager.Messager
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server bound to a loopback address (e.g. "127.0.0.1:0").
func New(addr string, msg *messager.Messager, logger *slog.Logger) *Server {
	s := &Server{addr: addr, msg: msg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)

	s.httpServer = &http.Server{Handler: mux}

	return s
}

// Start binds the listener and begins serving in a goroutine. Returns the
// actual bound address (useful when addr's port is 0).
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", err
	}

	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("guisession: serve failed", slog.String("error", err.Error()))
		}
	}()

	return ln.Addr().String(), nil
}

// Stop gracefully shuts the server down within timeout.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "127.0.0.1"},
	})
	if err != nil {
		s.logger.Warn("guisession: websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	for {
		msg, ok := s.msg.Next(ctx)
		if !ok {
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			s.logger.Warn("guisession: marshaling message failed", slog.String("error", err.Error()))
			continue
		}

		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			s.logger.Debug("guisession: write failed, closing", slog.String("error", err.Error()))
			return
		}
	}
}
