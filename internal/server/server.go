// Package server exposes the admin HTTP surface: health, Prometheus metrics,
// the manual dependency re-scan and cascade lookup.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/maxkimambo/taskflow/internal/automation"
	"github.com/maxkimambo/taskflow/internal/enabler"
	"github.com/maxkimambo/taskflow/internal/events"
	"github.com/maxkimambo/taskflow/internal/logger"
)

// Automation is the part of the automation module the server calls
type Automation interface {
	Health() automation.Health
	CheckAndEnableDependencies(ctx context.Context, familyID string) (enabler.RescanResult, error)
	Cascade(ctx context.Context, correlationID string) ([]events.Event, error)
}

// Options configures the server
type Options struct {
	Addr string
	// Metrics serves /metrics when set
	Metrics http.Handler
}

// New builds the admin server
func New(module Automation, opts Options) *http.Server {
	return &http.Server{
		Addr:              opts.Addr,
		Handler:           requestLog(Handler(module, opts.Metrics)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Handler registers the admin routes
func Handler(module Automation, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		h := module.Health()
		code := http.StatusOK
		if h.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.HandleFunc("POST /admin/families/{familyID}/rescan", func(w http.ResponseWriter, r *http.Request) {
		familyID := r.PathValue("familyID")
		result, err := module.CheckAndEnableDependencies(r.Context(), familyID)
		if err != nil {
			logger.Op.With(logger.WithFamily(familyID)).WithError(err).Error("Re-scan failed")
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("GET /admin/cascades/{correlationID}", func(w http.ResponseWriter, r *http.Request) {
		chain, err := module.Cascade(r.Context(), r.PathValue("correlationID"))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]eventView, 0, len(chain))
		for _, ev := range chain {
			out = append(out, eventView{Kind: ev.Kind(), Event: ev})
		}
		writeJSON(w, http.StatusOK, out)
	})

	return mux
}

type eventView struct {
	Kind  events.Kind  `json:"kind"`
	Event events.Event `json:"event"`
}

// Run serves until ctx is cancelled, then shuts down gracefully
func Run(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Op.WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	})
}
