package web

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server for the given address and pipeline controls.
func NewServer(addr string, broadcaster *StatusBroadcaster, controls Controls) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, controls),
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /state", s.handlers.HandleState)
	mux.HandleFunc("POST /sleep", s.handlers.HandleSleep)
	mux.HandleFunc("POST /wake", s.handlers.HandleWake)
	mux.HandleFunc("POST /reconfigure", s.handlers.HandleReconfigure)
	mux.HandleFunc("GET /snapshot", s.handlers.HandleSnapshot)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.handlers.Context = ctx
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Mux(),
		// Open SSE streams end with ctx instead of holding up Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
