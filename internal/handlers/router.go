// Package handlers is the HTTP surface of the relay: upload, download and
// delete routes over the transfer service, plus health and metrics.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/maneesh/filerelay/internal/models"
)

// Transfers is the core the handlers call into
type Transfers interface {
	Upload(ctx context.Context, req models.UploadRequest) (*models.UploadResult, error)
	Download(ctx context.Context, publicKey, source string) (*models.Download, error)
	Delete(ctx context.Context, privateKey string) error
}

// keyPathTemplate is the route of every key-addressed operation
const keyPathTemplate = "/{key}"

// hideKey rewrites the request URL to the route template before tracing and
// the handlers see it. Handlers read the key from mux.Vars only.
func hideKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		masked := r.Clone(r.Context())
		masked.URL.Path = keyPathTemplate
		masked.URL.RawPath = ""
		masked.RequestURI = keyPathTemplate
		next.ServeHTTP(w, masked)
	})
}

// RouterOptions wires the router
type RouterOptions struct {
	Service        Transfers
	Health         Pinger
	MaxUploadBytes int64
	TrustProxy     bool
	Logger         *slog.Logger
}

// NewRouter builds the HTTP handler with CORS and request logging applied
// to every route.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger.With(slog.String("component", "http"))

	writeHandler := NewWriteHandler(opts.Service, opts.MaxUploadBytes, opts.TrustProxy, logger)
	readHandler := NewReadHandler(opts.Service, opts.TrustProxy, logger)
	deleteHandler := NewDeleteHandler(opts.Service, logger)

	router := mux.NewRouter()

	// Health check and metrics (no tracing needed)
	router.Handle("/health", NewHealthHandler(opts.Health, logger)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// File operations with tracing
	router.Handle("/", otelhttp.NewHandler(writeHandler, "POST /")).Methods(http.MethodPost)
	router.Handle(keyPathTemplate, hideKey(otelhttp.NewHandler(readHandler, "GET /{key}"))).
		Methods(http.MethodGet)
	router.Handle(keyPathTemplate, hideKey(otelhttp.NewHandler(deleteHandler, "DELETE /{key}"))).
		Methods(http.MethodPost, http.MethodDelete)

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition", "Retry-After"},
		MaxAge:         300,
	})

	return RequestLogger(logger)(corsHandler(router))
}
