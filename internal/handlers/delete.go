package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"
)

// DeleteHandler handles deletion by private key
type DeleteHandler struct {
	svc    Transfers
	logger *slog.Logger
}

// NewDeleteHandler creates a new delete handler
func NewDeleteHandler(svc Transfers, logger *slog.Logger) *DeleteHandler {
	return &DeleteHandler{svc: svc, logger: logger}
}

// ServeHTTP handles POST /{key} and DELETE /{key}
func (dh *DeleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "delete_request",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	if err := dh.svc.Delete(ctx, mux.Vars(r)["key"]); err != nil {
		span.RecordError(err)
		writeError(w, r, dh.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, messageBody{Message: "File has been deleted"})
}
