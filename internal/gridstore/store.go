// Package gridstore stores files as a metadata document plus a run of
// fixed-size chunk documents in two collections of a docstore.Database.
//
// There are no transactions across the two collections. Consistency
// comes from ordering alone:
//
//   - Upload writes every chunk, then the metadata record. A file is
//     visible only once its metadata exists, so readers never see a
//     partial file. A failed upload leaves orphan chunks behind.
//   - Delete removes the metadata record, then the chunks. A failure in
//     between leaves orphan chunks rather than a visible broken file.
//
// Download does not re-check the recorded md5 against the bytes it
// writes, and nothing is rolled back on failure.
package gridstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3/bson"
	"github.com/maneesh/labgridfs/internal/chunker"
	"github.com/maneesh/labgridfs/internal/docstore"
	"github.com/maneesh/labgridfs/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("labgridfs-gridstore")
	logger = loggo.GetLogger("labgridfs.gridstore")
)

// Store uploads, downloads, finds and deletes chunked files.
type Store struct {
	db     docstore.Database
	cfg    Config
	files  docstore.Collection
	chunks docstore.Collection

	chunker     *chunker.Chunker
	checksummer Checksummer
	clock       clock.Clock
	newID       func() string
}

// New builds a Store over db and makes sure the lookup indexes exist.
func New(ctx context.Context, db docstore.Database, cfg Config, opts ...Option) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	s := &Store{
		db:          db,
		cfg:         cfg,
		files:       db.Collection(cfg.FilesCollection),
		chunks:      db.Collection(cfg.ChunksCollection),
		chunker:     chunker.NewChunker(cfg.ChunkSize),
		checksummer: CommandChecksummer{DB: db},
		clock:       clock.WallClock,
		newID:       newUUID,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := db.EnsureIndex(ctx, cfg.ChunksCollection, "files_id", "n"); err != nil {
		return nil, errors.Annotatef(err, "indexing %q", cfg.ChunksCollection)
	}
	if err := db.EnsureIndex(ctx, cfg.FilesCollection, "filename", "uploadDate"); err != nil {
		return nil, errors.Annotatef(err, "indexing %q", cfg.FilesCollection)
	}
	return s, nil
}

// Config returns the configuration the store was built with.
func (s *Store) Config() Config {
	return s.cfg
}

// Upload splits r into chunks, commits them, and then commits the
// metadata record. The returned record is read back from the store.
func (s *Store) Upload(ctx context.Context, r io.Reader, remoteName string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "gridstore.upload",
		trace.WithAttributes(
			attribute.String("file_name", remoteName),
			attribute.Int("chunk_size", s.cfg.ChunkSize),
		),
	)
	defer span.End()

	filesID := s.newID()
	span.SetAttributes(attribute.String("file_id", filesID))

	length, err := s.chunker.ChunkStream(r, func(n int, data []byte) error {
		chunk := &models.Chunk{
			ID:      s.newID(),
			FilesID: filesID,
			N:       n,
			Data:    data,
		}
		if err := s.chunks.Insert(ctx, chunk, s.cfg.WriteConcern); err != nil {
			return errors.Trace(err)
		}
		logger.Tracef("stored chunk %d (%d bytes) of %s", n, len(data), filesID)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, errors.Trace(err)
	}

	digest, err := s.checksummer.Checksum(ctx, filesID, s.cfg.Root)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Trace(err)
	}

	file := &models.File{
		ID:         filesID,
		Filename:   remoteName,
		Length:     length,
		ChunkSize:  s.cfg.ChunkSize,
		UploadDate: s.clock.Now().UTC(),
		MD5:        digest,
	}
	if err := s.files.Insert(ctx, file, s.cfg.WriteConcern); err != nil {
		span.RecordError(err)
		return nil, errors.Trace(err)
	}

	stored, err := s.FindOne(ctx, bson.M{"_id": filesID})
	if err != nil {
		span.RecordError(err)
		return nil, errors.Trace(err)
	}

	span.SetAttributes(
		attribute.Int64("file_size", stored.Length),
		attribute.Int("chunk_count", chunker.ChunkCount(stored.Length, stored.ChunkSize)),
	)
	logger.Infof("uploaded %q as %s (%d bytes)", remoteName, filesID, length)
	return stored, nil
}

// UploadFile uploads the local file at localPath. An empty remoteName
// uses the base name of localPath.
func (s *Store) UploadFile(ctx context.Context, localPath, remoteName string) (*models.File, error) {
	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = f.Close() }()

	return s.Upload(ctx, f, remoteName)
}

// Download writes the content of the single file matching query to w,
// chunk by chunk in index order. Bytes written before a failure stay
// written.
func (s *Store) Download(ctx context.Context, w io.Writer, query bson.M) error {
	ctx, span := tracer.Start(ctx, "gridstore.download")
	defer span.End()

	files, err := s.Find(ctx, query)
	if err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	switch len(files) {
	case 0:
		err = errors.Annotatef(ErrNotFound, "query %v", query)
	case 1:
	default:
		err = errors.Annotatef(ErrAmbiguous, "query %v matched %d files", query, len(files))
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	file := files[0]
	count := chunker.ChunkCount(file.Length, file.ChunkSize)
	span.SetAttributes(
		attribute.String("file_id", file.ID),
		attribute.String("file_name", file.Filename),
		attribute.Int64("file_size", file.Length),
		attribute.Int("chunk_count", count),
	)

	for n := 0; n < count; n++ {
		var chunk models.Chunk
		err := s.chunks.FindOne(ctx, bson.M{"files_id": file.ID, "n": n}, &chunk)
		if errors.Is(err, docstore.ErrNotFound) {
			missing := &MissingChunkError{N: n, Query: query}
			span.RecordError(missing)
			return missing
		}
		if err != nil {
			span.RecordError(err)
			return errors.Trace(err)
		}
		if _, err := w.Write(chunk.Data); err != nil {
			span.RecordError(err)
			return errors.Trace(err)
		}
	}

	logger.Debugf("downloaded %s (%d chunks)", file.ID, count)
	return nil
}

// DownloadByName downloads the single file with the exact filename.
func (s *Store) DownloadByName(ctx context.Context, w io.Writer, filename string) error {
	return s.Download(ctx, w, bson.M{"filename": filename})
}

// DownloadToFile downloads the single file matching query into a file
// created at localPath.
func (s *Store) DownloadToFile(ctx context.Context, localPath string, query bson.M) (err error) {
	f, err := os.Create(localPath)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Trace(cerr)
		}
	}()

	return s.Download(ctx, f, query)
}

// Delete removes every file matching query: for each file the metadata
// record goes first, then its chunks. No match is not an error.
func (s *Store) Delete(ctx context.Context, query bson.M) error {
	ctx, span := tracer.Start(ctx, "gridstore.delete")
	defer span.End()

	files, err := s.Find(ctx, query)
	if err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	span.SetAttributes(attribute.Int("file_count", len(files)))

	for _, file := range files {
		if err := s.files.Remove(ctx, bson.M{"_id": file.ID}, s.cfg.WriteConcern); err != nil {
			span.RecordError(err)
			return errors.Trace(err)
		}
		if err := s.chunks.Remove(ctx, bson.M{"files_id": file.ID}, s.cfg.WriteConcern); err != nil {
			span.RecordError(err)
			return errors.Trace(err)
		}
		logger.Infof("deleted %q (%s)", file.Filename, file.ID)
	}
	return nil
}

// DeleteByID deletes the file with the given id.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	return s.Delete(ctx, bson.M{"_id": id})
}

// DeleteByName deletes every file with the exact filename.
func (s *Store) DeleteByName(ctx context.Context, filename string) error {
	return s.Delete(ctx, bson.M{"filename": filename})
}

// Find returns the metadata of every file matching query, in the order
// the database yields them. A nil query matches every file.
func (s *Store) Find(ctx context.Context, query bson.M) (_ []*models.File, err error) {
	cur, err := s.files.Find(ctx, query)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() {
		if cerr := cur.Close(); cerr != nil && err == nil {
			err = errors.Trace(cerr)
		}
	}()

	var files []*models.File
	for {
		var file models.File
		if !cur.Next(&file) {
			break
		}
		file.UploadDate = file.UploadDate.UTC()
		files = append(files, &file)
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return files, nil
}

// FindOne returns the first file matching query. It does not check
// whether other files match too.
func (s *Store) FindOne(ctx context.Context, query bson.M) (*models.File, error) {
	var file models.File
	err := s.files.FindOne(ctx, query, &file)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, errors.Annotatef(ErrNotFound, "query %v", query)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	file.UploadDate = file.UploadDate.UTC()
	return &file, nil
}
