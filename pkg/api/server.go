// Package api exposes the RPC surface over JSON/HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gloomyglyph/FAAS/pkg/metrics"
	"github.com/gloomyglyph/FAAS/pkg/types"
)

// MaxBodyBytes caps request bodies; images travel base64-encoded
const MaxBodyBytes = 32 << 20

type Submitter interface {
	Submit(ctx context.Context, imageID string, data []byte) types.Response
}

type Receiver interface {
	Receive(ctx context.Context, imageID string, data []byte) types.Response
}

type Storer interface {
	StoreResult(ctx context.Context, req types.StoreRequest) types.Response
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

type Server struct {
	submitter Submitter
	analyzers map[types.BackendKind]Receiver
	storer    Storer
	checks    map[string]HealthCheck
}

type Option func(*Server)

func WithSubmitter(s Submitter) Option {
	return func(srv *Server) { srv.submitter = s }
}

func WithAnalyzer(kind types.BackendKind, r Receiver) Option {
	return func(srv *Server) { srv.analyzers[kind] = r }
}

func WithStorer(s Storer) Option {
	return func(srv *Server) { srv.storer = s }
}

func WithHealthCheck(name string, check HealthCheck) Option {
	return func(srv *Server) { srv.checks[name] = check }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		analyzers: make(map[types.BackendKind]Receiver),
		checks:    make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler routes only the entry points this server was given
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.submitter != nil {
		mux.HandleFunc("/v1/submit", s.handleSubmit)
	}
	for kind, r := range s.analyzers {
		mux.HandleFunc("/v1/analyze/"+string(kind), s.analyzeHandler(r))
	}
	if s.storer != nil {
		mux.HandleFunc("/v1/store", s.handleStore)
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// handleSubmit handles POST /v1/submit - enqueues and returns 202
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if !decode(w, r, &req) {
		return
	}

	resp := s.submitter.Submit(r.Context(), req.ImageID, req.ImageData)
	status := http.StatusAccepted
	if !resp.Success {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) analyzeHandler(rcv Receiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SubmitRequest
		if !decode(w, r, &req) {
			return
		}
		writeJSON(w, http.StatusOK, rcv.Receive(r.Context(), req.ImageID, req.ImageData))
	}
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req types.StoreRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.storer.StoreResult(r.Context(), req))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body[name] = err.Error()
		} else {
			body[name] = "ok"
		}
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, types.Fail(fmt.Errorf("method %s not allowed", r.Method)))
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, types.Fail(fmt.Errorf("%w: invalid request: %v", types.ErrInput, err)))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[!] Failed to write response: %s", err)
	}
}

// ListenAndServe runs handler on addr until ctx is done, then shuts down
// with a 10s grace period.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[*] HTTP listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Println("[✓] HTTP server stopped")
	return nil
}
