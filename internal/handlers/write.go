package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/labgridfs/internal/gridstore"
	"github.com/maneesh/labgridfs/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WriteHandler serves uploads and deletes.
type WriteHandler struct {
	store   *gridstore.Store
	cache   MetadataCache
	metrics *Metrics
}

// NewWriteHandler creates a write handler. A nil cache disables caching.
func NewWriteHandler(store *gridstore.Store, cache MetadataCache, metrics *Metrics) *WriteHandler {
	if cache == nil {
		cache = noCache{}
	}
	return &WriteHandler{store: store, cache: cache, metrics: metrics}
}

// WriteResponse is returned by a successful upload.
type WriteResponse struct {
	File       *models.File `json:"file"`
	ChunkCount int          `json:"chunk_count"`
}

// Upload handles PUT /files?name=filename. The body is the file content.
func (wh *WriteHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()
	defer r.Body.Close()

	filename := r.URL.Query().Get("name")
	if filename == "" {
		http.Error(w, "missing 'name' query parameter", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("file_name", filename))

	start := time.Now()
	body := &countingReader{r: r.Body}
	file, err := wh.store.Upload(ctx, body, filename)
	wh.metrics.observe("upload", start, err)
	wh.metrics.addBytes("in", body.n)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	span.SetAttributes(
		attribute.String("file_id", file.ID),
		attribute.Int64("file_size", file.Length),
	)
	logger.Infof("stored %q as %s (%d bytes)", filename, file.ID, file.Length)

	writeJSON(w, http.StatusCreated, WriteResponse{
		File:       file,
		ChunkCount: chunkCount(file),
	})
}

// DeleteByID handles DELETE /files/{id}.
func (wh *WriteHandler) DeleteByID(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "delete_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	fileID := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("file_id", fileID))

	start := time.Now()
	err := wh.store.DeleteByID(ctx, fileID)
	wh.metrics.observe("delete", start, err)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	if err := wh.cache.Invalidate(ctx, fileID); err != nil {
		logger.Warningf("invalidating cache for %s: %v", fileID, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteByName handles DELETE /files?filename=name. Every file with
// that name is removed.
func (wh *WriteHandler) DeleteByName(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "delete_file_by_name",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		http.Error(w, "missing 'filename' query parameter", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("file_name", filename))

	// The ids are looked up first so their cache entries can be dropped.
	files, err := wh.store.Find(ctx, byName(filename))
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	start := time.Now()
	err = wh.store.DeleteByName(ctx, filename)
	wh.metrics.observe("delete", start, err)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	for _, f := range files {
		if err := wh.cache.Invalidate(ctx, f.ID); err != nil {
			logger.Warningf("invalidating cache for %s: %v", f.ID, err)
		}
	}
	span.SetAttributes(attribute.Int("deleted", len(files)))
	w.WriteHeader(http.StatusNoContent)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
