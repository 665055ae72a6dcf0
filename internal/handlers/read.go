package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/maneesh/labgridfs/internal/chunker"
	"github.com/maneesh/labgridfs/internal/gridstore"
	"github.com/maneesh/labgridfs/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReadHandler serves listings, metadata and file content.
type ReadHandler struct {
	store   *gridstore.Store
	cache   MetadataCache
	metrics *Metrics
}

// NewReadHandler creates a read handler. A nil cache disables caching.
func NewReadHandler(store *gridstore.Store, cache MetadataCache, metrics *Metrics) *ReadHandler {
	if cache == nil {
		cache = noCache{}
	}
	return &ReadHandler{store: store, cache: cache, metrics: metrics}
}

// FileResponse is one metadata record as listed over HTTP.
type FileResponse struct {
	*models.File
	ChunkCount int `json:"chunk_count"`
}

func byName(filename string) bson.M {
	return bson.M{"filename": filename}
}

func chunkCount(file *models.File) int {
	return chunker.ChunkCount(file.Length, file.ChunkSize)
}

// List handles GET /files, optionally narrowed by ?filename=name.
func (rh *ReadHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_files",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	var query bson.M
	if filename := r.URL.Query().Get("filename"); filename != "" {
		query = byName(filename)
		span.SetAttributes(attribute.String("file_name", filename))
	}

	start := time.Now()
	files, err := rh.store.Find(ctx, query)
	rh.metrics.observe("find", start, err)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	out := make([]FileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, FileResponse{File: f, ChunkCount: chunkCount(f)})
	}
	span.SetAttributes(attribute.Int("file_count", len(out)))
	writeJSON(w, http.StatusOK, out)
}

// Metadata handles GET /files/{id}.
func (rh *ReadHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "get_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	fileID := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("file_id", fileID))

	file, err := rh.lookup(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FileResponse{File: file, ChunkCount: chunkCount(file)})
}

// Content handles GET /files/{id}/content.
func (rh *ReadHandler) Content(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	fileID := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("file_id", fileID))

	file, err := rh.lookup(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	cw := &contentWriter{w: w, file: file}
	start := time.Now()
	err = rh.store.Download(ctx, cw, bson.M{"_id": fileID})
	rh.metrics.observe("download", start, err)
	rh.metrics.addBytes("out", cw.written)
	if err != nil {
		span.RecordError(err)
	}
	cw.finish(err)
}

// ContentByName handles GET /content?filename=name. More than one file
// with that name is a conflict.
func (rh *ReadHandler) ContentByName(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_file_by_name",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		http.Error(w, "missing 'filename' query parameter", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("file_name", filename))

	start := time.Now()
	files, err := rh.store.Find(ctx, byName(filename))
	switch {
	case err != nil:
	case len(files) == 0:
		err = errors.Annotatef(gridstore.ErrNotFound, "filename %q", filename)
	case len(files) > 1:
		err = errors.Annotatef(gridstore.ErrAmbiguous, "filename %q matched %d files", filename, len(files))
	}
	if err != nil {
		rh.metrics.observe("download", start, err)
		span.RecordError(err)
		writeError(w, err)
		return
	}

	// Streamed by id, so the headers and the content describe the same
	// file even if the name is reused meanwhile.
	file := files[0]
	span.SetAttributes(attribute.String("file_id", file.ID))
	cw := &contentWriter{w: w, file: file}
	err = rh.store.Download(ctx, cw, bson.M{"_id": file.ID})
	rh.metrics.observe("download", start, err)
	rh.metrics.addBytes("out", cw.written)
	if err != nil {
		span.RecordError(err)
	}
	cw.finish(err)
}

// lookup returns the metadata for fileID, through the cache.
func (rh *ReadHandler) lookup(ctx context.Context, fileID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "get_file_metadata")
	defer span.End()

	file, err := rh.cache.Get(ctx, fileID)
	if err != nil {
		logger.Warningf("metadata cache read for %s: %v", fileID, err)
	}
	if file != nil {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return file, nil
	}
	span.SetAttributes(attribute.Bool("cache_hit", false))

	file, err = rh.store.FindOne(ctx, bson.M{"_id": fileID})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := rh.cache.Put(ctx, file); err != nil {
		logger.Warningf("caching metadata for %s: %v", fileID, err)
	}
	return file, nil
}
