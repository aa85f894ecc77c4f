package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"nhooyr.io/websocket"

	"github.com/fwdslsh/dispatch/internal/connection"
)

// Server owns the Unix-socket listener and, optionally, a WebSocket
// listener, both dispatching accepted connections to the same Gateway.
// Grounded on the reference internal/node/node.go's Run/runWSServer split.
type Server struct {
	gw         *Gateway
	socketPath string
	listenAddr string // empty means no network listener
	log        *slog.Logger
}

// NewServer builds a Server that serves gw over a Unix socket at socketPath
// and, if listenAddr is non-empty, a WebSocket endpoint at listenAddr/ws.
func NewServer(gw *Gateway, socketPath, listenAddr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{gw: gw, socketPath: socketPath, listenAddr: listenAddr, log: log}
}

// Run listens on the Unix socket (and, if configured, the WebSocket
// address) until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on unix socket: %w", err)
	}
	defer os.Remove(s.socketPath)
	s.log.Info("gateway listening on unix socket", "path", s.socketPath)

	if s.listenAddr != "" {
		go func() {
			if err := s.runWS(ctx, s.listenAddr); err != nil {
				s.log.Error("websocket server error", "err", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			s.log.Error("accept error", "err", err)
			continue
		}
		go s.gw.HandleConnection(
			connection.NewUnixReader(conn),
			connection.NewUnixWriter(conn),
		)
	}
}

// runWS serves the WebSocket upgrade endpoint at addr/ws. Authentication
// happens over the same "auth" control message as the Unix transport; the
// HTTP handshake itself performs no credential check, matching §6's "the
// core only requires isAuthorized(credential) -> bool" — any token-on-query
// layering belongs to a collaborator in front of this listener.
func (s *Server) runWS(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.log.Error("websocket accept error", "err", err)
			return
		}
		wsCtx := r.Context()
		s.gw.HandleConnection(
			connection.NewWSReader(wsCtx, conn),
			connection.NewWSWriter(wsCtx, conn),
		)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	s.log.Info("gateway websocket listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway websocket server: %w", err)
	}
	return nil
}
