package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status string `json:"status"`
}

// HealthHandler answers /health. It returns 503 while the catalog is down.
type HealthHandler struct {
	catalog Pinger
	logger  *slog.Logger
}

// NewHealthHandler creates a health handler. A nil catalog always reports ok.
func NewHealthHandler(catalog Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{catalog: catalog, logger: logger}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.catalog != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.catalog.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
