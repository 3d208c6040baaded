package port

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nobletooth/plaza/pkg/utils"
)

var (
	httpAddress = flag.String("http_address", ":8080",
		"The ip:port the ops HTTP server (metrics, health, cache status) listens on.")
	httpShutdownTimeout = flag.Duration("http_shutdown_timeout", 5*time.Second,
		"How long in-flight ops requests may take once shutdown starts.")
)

// StoreHealth reports the state of the store circuit breaker, e.g. "closed".
type StoreHealth func() string

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Store   string `json:"store,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to write ops response.", "error", err)
	}
}

// NewHTTPHandler routes the ops endpoints. `storeHealth` may be nil.
func NewHTTPHandler(views Cache, storeHealth StoreHealth) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		response := healthResponse{Status: "ok", Version: utils.Version, Uptime: utils.Uptime().Round(time.Second).String()}
		status := http.StatusOK
		if storeHealth != nil {
			response.Store = storeHealth()
			if response.Store == "open" {
				response.Status, status = "degraded", http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, response)
	})
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/cache", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, views.Status())
		})
		r.Delete("/{type}", func(w http.ResponseWriter, r *http.Request) {
			contentType, err := parseContentType(chi.URLParam(r, "type"))
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"removed": views.Purge(contentType)})
		})
		r.Delete("/{type}/{key}", func(w http.ResponseWriter, r *http.Request) {
			contentType, err := parseContentType(chi.URLParam(r, "type"))
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			if !views.Delete(contentType, chi.URLParam(r, "key")) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return router
}

// RunHTTPServer serves `handler` on --http_address until `ctx` is cancelled.
func RunHTTPServer(ctx context.Context, handler http.Handler) error {
	if *httpAddress == "" {
		return errors.New("expected a non-empty --http_address flag")
	}
	server := &http.Server{Addr: *httpAddress, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()
	slog.Info("Serving ops HTTP.", "address", *httpAddress)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *httpShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut the ops HTTP server down: %w", err)
		}
	case err, ok := <-serverErrSignal:
		if ok {
			return fmt.Errorf("ops HTTP server stopped unexpectedly: %w", err)
		}
	}
	return nil
}
