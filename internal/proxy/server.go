// Package proxy runs the forward proxy that feeds intercepted traffic
// through the engine.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Server is the proxy listener.
type Server struct {
	httpServer *http.Server
	handler    *Handler
	config     Config
	log        zerolog.Logger
	running    bool
	listener   net.Listener
	mu         sync.RWMutex
}

// NewServer creates a proxy server. The client carries the
// interception transport.
func NewServer(client *http.Client, log zerolog.Logger, opts ...ConfigOption) *Server {
	config := NewConfig(opts...)
	return &Server{
		handler: NewHandler(client, config, log),
		config:  config,
		log:     log,
	}
}

// Start starts the proxy server. It returns once the listener is bound;
// serving continues until the context is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("proxy server is already running")
	}

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.running = true
	s.mu.Unlock()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("proxy listening")

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("proxy server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop stops the proxy server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.httpServer.Close()
	}

	s.running = false
	return nil
}

// IsRunning returns true if the proxy server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ListenAddr returns the actual address the server is listening on.
// Useful when using port 0 to get an available port.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.ListenAddr
}
