// Package server is the upload boundary: it accepts one media file per
// request, enforces size/type constraints before any model is invoked, runs
// the verification pipeline, and renders the result surface.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liveness-lab/internal/config"
	"github.com/liveness-lab/internal/logging"
	"github.com/liveness-lab/internal/verify"
)

// Verifier is the slice of the pipeline the HTTP layer needs. Tests
// substitute a deterministic fake.
type Verifier interface {
	Verify(ctx context.Context, ch *config.Challenge, upload []byte) (*verify.Result, error)
}

// Server hosts the challenge endpoints.
type Server struct {
	cfg      *config.Config
	verifier Verifier
}

// New builds a Server from deployment config and a verifier.
func New(cfg *config.Config, verifier Verifier) *Server {
	return &Server{cfg: cfg, verifier: verifier}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /challenges", s.handleListChallenges)
	mux.HandleFunc("GET /challenges/{id}", s.handleChallengeDetail)
	mux.HandleFunc("GET /challenges/{id}/reference", s.handleReferenceDownload)
	mux.HandleFunc("POST /challenges/{id}/verify", s.handleVerify)
	return s.logRequests(mux)
}

// HTTPServer wraps the handler in an http.Server bound to the configured
// address, with timeouts generous enough for model inference.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
	}
}

// logRequests attaches a correlation ID to every request and logs its
// completion.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get("X-Correlation-ID")
		if cid == "" {
			cid = uuid.NewString()
		}
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(withCorrelationID(r.Context(), cid)))
		logging.Debugw("request served", "method", r.Method, "path", r.URL.Path, "correlation_id", cid, "elapsed_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
