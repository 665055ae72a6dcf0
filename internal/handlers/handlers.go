package handlers

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/maneesh/labgridfs/internal/docstore"
	"github.com/maneesh/labgridfs/internal/gridstore"
	"github.com/maneesh/labgridfs/internal/models"
	"go.opentelemetry.io/otel"
)

var (
	tracer = otel.Tracer("labgridfs-handlers")
	logger = loggo.GetLogger("labgridfs.handlers")
)

// MetadataCache is a read-through cache of metadata records by id.
// Get returns nil, nil on a miss.
type MetadataCache interface {
	Get(ctx context.Context, fileID string) (*models.File, error)
	Put(ctx context.Context, file *models.File) error
	Invalidate(ctx context.Context, fileID string) error
}

// Archive stores whole files outside the document store.
type Archive interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type noCache struct{}

func (noCache) Get(context.Context, string) (*models.File, error) { return nil, nil }
func (noCache) Put(context.Context, *models.File) error           { return nil }
func (noCache) Invalidate(context.Context, string) error          { return nil }

// statusFor maps store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gridstore.ErrNotFound), errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, gridstore.ErrAmbiguous):
		return http.StatusConflict
	case errors.Is(err, docstore.ErrUnsupportedQuery):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// outcome labels an operation result for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gridstore.ErrNotFound):
		return "not_found"
	case errors.Is(err, gridstore.ErrAmbiguous):
		return "ambiguous"
	case errors.Is(err, gridstore.ErrMissingChunk):
		return "missing_chunk"
	default:
		return "error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("request failed: %v", errors.ErrorStack(err))
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warningf("encoding response: %v", err)
	}
}

// contentWriter defers the response header until the first byte of
// content, so failures before any content can still become a status.
type contentWriter struct {
	w       http.ResponseWriter
	file    *models.File
	started bool
	written int64
}

func (cw *contentWriter) start() {
	if cw.started {
		return
	}
	cw.started = true
	h := cw.w.Header()
	h.Set("Content-Type", "application/octet-stream")
	if cw.file != nil {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": cw.file.Filename}))
		h.Set("Content-Length", strconv.FormatInt(cw.file.Length, 10))
		if cw.file.MD5 != "" {
			h.Set("ETag", strconv.Quote(cw.file.MD5))
		}
	}
	cw.w.WriteHeader(http.StatusOK)
}

func (cw *contentWriter) Write(p []byte) (int, error) {
	cw.start()
	n, err := cw.w.Write(p)
	cw.written += int64(n)
	return n, err
}

// finish completes the response after a download. A failure after
// content went out cannot change the status, so the connection is
// aborted instead.
func (cw *contentWriter) finish(err error) {
	if err == nil {
		cw.start()
		return
	}
	if !cw.started {
		writeError(cw.w, err)
		return
	}
	logger.Errorf("download failed after %d bytes: %v", cw.written, err)
	panic(http.ErrAbortHandler)
}
