package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pipeviz/internal/logging"
)

// readHeaderTimeout does not apply to upgraded websocket connections,
// which manage their own deadlines.
const readHeaderTimeout = 10 * time.Second

// Server serves the connect API and the websocket endpoint on one port.
// Connect clients may speak HTTP/2 without TLS.
//
// Request contexts derive from a base context that Shutdown cancels, so
// hijacked websocket connections, which Shutdown does not track, end too.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	bound      chan string
}

func New(addr string, handler http.Handler, logger *slog.Logger) *Server {
	base, cancel := context.WithCancel(context.Background())
	hs := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	hs.RegisterOnShutdown(cancel)
	return &Server{
		httpServer: hs,
		logger:     logging.OrDiscard(logger).With("component", "http_server"),
		bound:      make(chan string, 1),
	}
}

// Start listens and serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	addr := ln.Addr().String()
	s.bound <- addr
	s.logger.Info("listening", "addr", addr)

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr blocks until Start has bound its listener and returns the address,
// which differs from the configured one when the port is 0.
func (s *Server) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-s.bound:
		s.bound <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	start := time.Now()
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("shutdown incomplete", "err", err, "elapsed", time.Since(start))
		return err
	}
	s.logger.Info("stopped", "elapsed", time.Since(start))
	return nil
}
