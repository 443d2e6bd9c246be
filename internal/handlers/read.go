package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReadHandler handles file download requests
type ReadHandler struct {
	svc        Transfers
	trustProxy bool
	logger     *slog.Logger
}

// NewReadHandler creates a new download handler
func NewReadHandler(svc Transfers, trustProxy bool, logger *slog.Logger) *ReadHandler {
	return &ReadHandler{
		svc:        svc,
		trustProxy: trustProxy,
		logger:     logger,
	}
}

// ServeHTTP handles GET /{key}
func (rh *ReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "download_request",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	dl, err := rh.svc.Download(ctx, mux.Vars(r)["key"], sourceIdentifier(r, rh.trustProxy))
	if err != nil {
		span.RecordError(err)
		writeError(w, r, rh.logger, err)
		return
	}
	defer dl.Body.Close()

	span.SetAttributes(
		attribute.String("mime_type", dl.MimeType),
		attribute.Int64("size_bytes", dl.SizeBytes),
	)

	w.Header().Set("Content-Type", dl.MimeType)
	w.Header().Set("Content-Disposition", contentDisposition(dl.OriginalName))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if dl.SizeBytes >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, dl.Body); err != nil {
		// headers are gone; the client sees a truncated body
		span.RecordError(err)
		rh.logger.WarnContext(ctx, "download stream interrupted", slog.String("error", err.Error()))
	}
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// contentDisposition builds an attachment header. Names outside ASCII get an
// RFC 5987 filename* alongside a plain fallback.
func contentDisposition(name string) string {
	fallback := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '_'
		}
		return r
	}, name)

	header := fmt.Sprintf(`attachment; filename="%s"`, quoteEscaper.Replace(fallback))
	if fallback != name {
		header += "; filename*=UTF-8''" + url.PathEscape(name)
	}
	return header
}
