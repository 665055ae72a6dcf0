package handlers

import (
	"io"
	"net/http"
	"path"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/maneesh/labgridfs/internal/gridstore"
	"github.com/maneesh/labgridfs/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ArchiveHandler copies stored files to and from an object store.
type ArchiveHandler struct {
	store   *gridstore.Store
	archive Archive
	metrics *Metrics
}

// NewArchiveHandler creates an archive handler.
func NewArchiveHandler(store *gridstore.Store, archive Archive, metrics *Metrics) *ArchiveHandler {
	return &ArchiveHandler{store: store, archive: archive, metrics: metrics}
}

// ArchiveResponse describes an archived object.
type ArchiveResponse struct {
	FileID string `json:"file_id"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

// Archive handles POST /files/{id}/archive. The file content is streamed
// from the store straight into the archive object.
func (ah *ArchiveHandler) Archive(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "archive_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	fileID := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("file_id", fileID))

	file, err := ah.store.FindOne(ctx, bson.M{"_id": fileID})
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	key := storage.ObjectKey(file.ID, file.Filename)
	span.SetAttributes(attribute.String("object_key", key))

	start := time.Now()
	pr, pw := io.Pipe()
	downloaded := make(chan error, 1)
	go func() {
		err := ah.store.Download(ctx, pw, bson.M{"_id": fileID})
		// A failed download fails the upload on the other end too.
		pw.CloseWithError(err)
		downloaded <- err
	}()

	size, err := ah.archive.Put(ctx, key, pr)
	// Unblocks the download if Put gave up early.
	pr.CloseWithError(io.ErrClosedPipe)
	// A download failure is the root cause of any Put failure it caused.
	if derr := <-downloaded; derr != nil && !errors.Is(derr, io.ErrClosedPipe) {
		err = derr
	}
	ah.metrics.observe("archive", start, err)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	ah.metrics.addBytes("archived", size)
	logger.Infof("archived %s to %s (%d bytes)", fileID, key, size)

	writeJSON(w, http.StatusCreated, ArchiveResponse{FileID: fileID, Key: key, Size: size})
}

// Restore handles POST /archive/restore?key=object&name=filename. The
// object is uploaded as a new file; name defaults to the key's base name.
func (ah *ArchiveHandler) Restore(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "restore_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing 'key' query parameter", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = path.Base(key)
	}
	span.SetAttributes(
		attribute.String("object_key", key),
		attribute.String("file_name", name),
	)

	start := time.Now()
	object, err := ah.archive.Open(ctx, key)
	if err != nil {
		ah.metrics.observe("restore", start, err)
		span.RecordError(err)
		writeError(w, err)
		return
	}
	defer object.Close()

	file, err := ah.store.Upload(ctx, object, name)
	ah.metrics.observe("restore", start, err)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	logger.Infof("restored %s as %q (%s)", key, name, file.ID)

	writeJSON(w, http.StatusCreated, WriteResponse{File: file, ChunkCount: chunkCount(file)})
}
