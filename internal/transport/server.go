package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
)

// MountFunc defines a function that registers handlers onto the provided ServeMux.
// By passing *http.ServeMux, we allow the caller to register multiple services.
type MountFunc func(mux *http.ServeMux) error

// ServerOption defines a functional option for configuring the server.
type ServerOption func(*Server)

type Server struct {
	*http.Server
	address        string
	mount          MountFunc
	allowedOrigins []string
	enableCORS     bool
	tlsCert        *tls.Certificate
}

// WithAddress configures the server address.
func WithAddress(address string) ServerOption {
	return func(o *Server) {
		o.address = address
	}
}

// WithMount configures the mount function.
func WithMount(mount MountFunc) ServerOption {
	return func(o *Server) {
		o.mount = mount
	}
}

// WithAllowedOrigins enables CORS for the given origins; an empty
// list allows all. Meant for the dashboard listener, not the peer
// one.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(o *Server) {
		o.allowedOrigins = origins
		o.enableCORS = true
	}
}

// WithTLSCertificate serves TLS with the given certificate. The peer
// listener uses the agent's own CA-issued leaf here; peers verify it
// against the CA they pinned at handshake time.
func WithTLSCertificate(cert tls.Certificate) ServerOption {
	return func(o *Server) {
		o.tlsCert = &cert
	}
}

// NewServer creates a new HTTP server with the given options.
func NewServer(opts ...ServerOption) (*Server, error) {
	// Initialize Default Options
	srv := &Server{
		address: ":8440",
	}

	// Apply Functional Options
	for _, opt := range opts {
		opt(srv)
	}

	// Create the Root Mux
	mux := http.NewServeMux()

	// Mount handlers
	// Execute the user-provided function to register routes onto the mux.
	if srv.mount != nil {
		if err := srv.mount(mux); err != nil {
			return nil, err
		}
	}

	var handler http.Handler = mux

	// Apply CORS Middleware
	if srv.enableCORS {
		if len(srv.allowedOrigins) == 0 {
			// If no allowed origins are specified, allow all origins.
			handler = cors.AllowAll().Handler(handler)
		} else {
			// Strict CORS configuration
			c := cors.New(cors.Options{
				AllowedOrigins:   srv.allowedOrigins,
				AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
				AllowedHeaders:   []string{"Authorization", "Content-Type"},
				AllowCredentials: true,
				MaxAge:           7200,
			})
			handler = c.Handler(handler)
		}
	}

	// Configure HTTP Server
	srv.Server = &http.Server{
		Addr:              srv.address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Proxied requests and the websocket upgrade hold connections
		// open well past typical API timeouts.
		ReadTimeout:    0,
		WriteTimeout:   0,
		MaxHeaderBytes: 64 * 1024, // 64KiB, CA PEM rides in a header
	}
	if srv.tlsCert != nil {
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*srv.tlsCert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return srv, nil
}

// Start starts the HTTP server and blocks until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	if s.TLSConfig != nil {
		listener = tls.NewListener(listener, s.TLSConfig)
	}

	s.BaseContext = func(net.Listener) context.Context {
		return ctx
	}

	slog.Info("Server starting on",
		"address", listener.Addr().String(),
		"tls", s.TLSConfig != nil,
		"allowedOrigins", s.allowedOrigins,
	)

	if err := s.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Gracefully shutting down HTTP server...")
	if err := s.Shutdown(ctx); err != nil {
		slog.Error("Graceful shutdown failed, forcing close", "error", err)
		return s.Close()
	}
	return nil
}
