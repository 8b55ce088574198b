package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/fluxbase/fluxbase/internal/service"
)

// Server wraps the HTTP server and mux for the gateway.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires all routes over a backend. The function endpoints sit
// behind bearer auth and the body limit; /sync authenticates in-band via
// the authenticate frame; /healthz is public.
func NewServer(listenAddress string, port int, backend *service.Backend, verifier TokenVerifier, maxBodyBytes int64) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("GET /sync", HandleSync(backend.Hub(), verifier))

	authed := http.NewServeMux()
	authed.Handle("POST /api/query", HandleCall(backend.ExecuteQuery))
	authed.Handle("POST /api/mutation", HandleCall(backend.ExecuteMutation))
	authed.Handle("POST /api/action", HandleCall(backend.ExecuteAction))

	limited := RequestBodyLimitMiddleware(maxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(verifier, limited))

	return &Server{
		httpServer: &http.Server{
			Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
			Handler: mux,
		},
		mux: mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
