package storage

import (
	"context"
	"io"
	"path"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("labgridfs-storage")
	logger = loggo.GetLogger("labgridfs.storage")
)

// MinioConfig locates the archive bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archive copies whole files to and from an S3 compatible bucket.
type Archive struct {
	client *minio.Client
	bucket string
}

// NewArchive connects to MinIO and creates the bucket when missing.
func NewArchive(ctx context.Context, cfg MinioConfig) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Annotate(err, "creating minio client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Annotatef(err, "checking bucket %q", cfg.Bucket)
	}
	if !exists {
		logger.Infof("creating bucket %q", cfg.Bucket)
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Annotatef(err, "creating bucket %q", cfg.Bucket)
		}
	}
	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

// ObjectKey names the archive object for a stored file.
func ObjectKey(fileID, filename string) string {
	base := path.Base("/" + filename)
	if base == "/" {
		base = "content"
	}
	return path.Join("archive", fileID, base)
}

// Put streams r into the object key. The length is not known up front,
// so the client uploads in parts.
func (a *Archive) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	ctx, span := tracer.Start(ctx, "minio.put_archive",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	info, err := a.client.PutObject(ctx, a.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return 0, errors.Annotatef(err, "uploading %q", key)
	}
	span.SetAttributes(attribute.Int64("size_bytes", info.Size))
	return info.Size, nil
}

// Open returns a reader over the object key. The caller closes it.
func (a *Archive) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "minio.open_archive",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	object, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, errors.Annotatef(err, "opening %q", key)
	}
	// GetObject is lazy; Stat surfaces a missing key before any read.
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		span.RecordError(err)
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errors.NotFoundf("archive object %q", key)
		}
		return nil, errors.Annotatef(err, "opening %q", key)
	}
	return object, nil
}
