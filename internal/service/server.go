package service

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/phxdata/propflow/internal/pipeline"
)

// processRequest is the POST /process body.
type processRequest struct {
	Source string                 `json:"source"`
	Data   map[string]interface{} `json:"data"`
}

// Router builds the daemon's HTTP surface. The handler set is fixed;
// middleware order is request-id, logging, timeout, then metrics.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(timeoutMiddleware(10 * time.Second))
	if s.met != nil {
		r.Use(s.met.Middleware)
	}

	r.HandleFunc("/process", s.handleProcess).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/llm", s.handleHealthLLM).Methods(http.MethodGet)
	if s.met != nil {
		r.Handle("/metrics", s.met.Handler()).Methods(http.MethodGet)
	}
	r.Handle("/ws/events", s.hub).Methods(http.MethodGet)
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down the
// server and drains the worker pool under the configured timeout.
func (s *Service) Serve(ctx context.Context) error {
	s.Start(ctx)

	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown did not complete cleanly")
	}
	return s.Shutdown(shutdownCtx)
}

func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.Source == "" || req.Data == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source and data are required"})
		return
	}

	item := pipeline.Item{CollectedAt: s.now().UTC()}
	if html, ok := req.Data["html"].(string); ok && html != "" {
		item.HTML = html
		if u, ok := req.Data["url"].(string); ok {
			item.URL = u
		}
	} else {
		item.JSON = req.Data
	}

	pos, err := s.Enqueue(req.Source, item)
	if err != nil {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "queue full"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "queued",
		"queue_position": pos,
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy", "service": "llm_processor",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy", "service": "llm_processor",
	})
}

func (s *Service) handleHealthLLM(w http.ResponseWriter, r *http.Request) {
	report := s.checkHealth(r.Context())
	status := http.StatusOK
	if report.Status == healthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		id, _ := r.Context().Value(requestIDKey{}).(string)
		log.Info().Str("request_id", id).Str("method", r.Method).
			Str("path", r.URL.Path).Int("status", rec.status).
			Dur("elapsed", time.Since(start)).Msg("http request")
	})
}

func timeoutMiddleware(d time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// WebSocket upgrades outlive any request deadline.
			if r.URL.Path == "/ws/events" {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps WebSocket upgrades working behind the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
