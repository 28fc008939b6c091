// Package debugapi serves read-only playback diagnostics as JSON over HTTPS,
// and optionally over HTTP/3 on the same address.
package debugapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/flicker/internal/certs"
)

const shutdownTimeout = 5 * time.Second

// Config configures a Server.
type Config struct {
	Addr string
	// H3 additionally serves the API over HTTP/3 and advertises it with
	// Alt-Svc on HTTPS responses.
	H3   bool
	Cert *certs.CertInfo
	// Status returns the value encoded by GET /api/status. It is called on
	// the request goroutine and must be safe for concurrent use.
	Status func() any
	Logger *slog.Logger
}

// Server is the debug API.
type Server struct {
	config  Config
	log     *slog.Logger
	started time.Time
	h3      *http3.Server
}

type healthResponse struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptimeSeconds"`
}

type certHashResponse struct {
	Hash    string `json:"hash"`
	Addr    string `json:"addr"`
	Expires string `json:"expires"`
}

// New creates a Server. Call Start to begin serving.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("debugapi: empty listen address")
	}
	if cfg.Cert == nil {
		return nil, errors.New("debugapi: no certificate")
	}
	if cfg.Status == nil {
		cfg.Status = func() any { return struct{}{} }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		config:  cfg,
		log:     log.With("component", "debug-api"),
		started: time.Now(),
	}
	if cfg.H3 {
		s.h3 = &http3.Server{
			Addr:      cfg.Addr,
			TLSConfig: http3.ConfigureTLSConfig(cfg.Cert.TLSConfig()),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
	}
	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 endpoint on HTTPS responses.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
			s.log.Debug("set Alt-Svc", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:    s.config.Cert.FingerprintBase64(),
		Addr:    s.config.Addr,
		Expires: s.config.Cert.NotAfter.UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// Start serves until ctx is cancelled or a listener fails. Cancellation is
// not an error.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()

	srv := &http.Server{
		Addr:              s.config.Addr,
		TLSConfig:         s.config.Cert.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	if s.h3 != nil {
		s.h3.Handler = handler
		srv.Handler = s.altSvcMiddleware(handler)
		g.Go(func() error {
			s.log.Info("HTTP/3 listening", "addr", s.config.Addr)
			stop := context.AfterFunc(ctx, func() { s.h3.Close() })
			defer stop()
			err := s.h3.ListenAndServe()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("debug API HTTP/3: %w", err)
		})
	} else {
		srv.Handler = handler
	}

	g.Go(func() error {
		s.log.Info("HTTPS listening", "addr", s.config.Addr, "cert_hash", s.config.Cert.FingerprintBase64())
		if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("debug API: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
