package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/filerelay/internal/apperr"
	"github.com/maneesh/filerelay/internal/models"
)

var tracer = otel.Tracer("filerelay-handlers")

// uploadField is the multipart form field carrying the file
const uploadField = "file"

// WriteHandler handles file upload requests
type WriteHandler struct {
	svc        Transfers
	maxBytes   int64
	trustProxy bool
	logger     *slog.Logger
}

// NewWriteHandler creates a new upload handler. Request bodies larger than
// maxBytes are refused with 413.
func NewWriteHandler(svc Transfers, maxBytes int64, trustProxy bool, logger *slog.Logger) *WriteHandler {
	return &WriteHandler{
		svc:        svc,
		maxBytes:   maxBytes,
		trustProxy: trustProxy,
		logger:     logger,
	}
}

// ServeHTTP handles POST / with a multipart "file" field. The part is
// streamed straight into the storage backend.
func (wh *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_request",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	body := &limitedBody{rc: http.MaxBytesReader(w, r.Body, wh.maxBytes)}
	r.Body = body

	part, err := wh.filePart(r, body)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, wh.logger, err)
		return
	}
	defer part.Close()

	span.SetAttributes(attribute.String("file_name", part.FileName()))

	result, err := wh.svc.Upload(ctx, models.UploadRequest{
		Body:         part,
		OriginalName: part.FileName(),
		MimeType:     part.Header.Get("Content-Type"),
		Size:         -1,
		SourceIP:     sourceIdentifier(r, wh.trustProxy),
	})
	if err != nil {
		if body.exceeded.Load() && !errors.Is(err, apperr.ErrTooLarge) {
			err = fmt.Errorf("%w: body over %d bytes", apperr.ErrTooLarge, wh.maxBytes)
		}
		span.RecordError(err)
		writeError(w, r, wh.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// filePart advances the multipart stream to the file field, skipping any
// other fields before it.
func (wh *WriteHandler) filePart(r *http.Request, body *limitedBody) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: expected multipart/form-data: %v", apperr.ErrValidation, err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing %q field", apperr.ErrValidation, uploadField)
		}
		if err != nil {
			if body.exceeded.Load() {
				return nil, fmt.Errorf("%w: body over %d bytes", apperr.ErrTooLarge, wh.maxBytes)
			}
			return nil, fmt.Errorf("%w: malformed multipart body: %v", apperr.ErrValidation, err)
		}
		if part.FormName() == uploadField && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

// limitedBody remembers whether http.MaxBytesReader cut the body short
type limitedBody struct {
	rc       io.ReadCloser
	exceeded atomic.Bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		b.exceeded.Store(true)
		return n, fmt.Errorf("%w: %v", apperr.ErrTooLarge, err)
	}
	return n, err
}

func (b *limitedBody) Close() error {
	return b.rc.Close()
}
