package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/maneesh/labgridfs/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCacheTTL bounds how long a metadata record stays cached.
const DefaultCacheTTL = 5 * time.Minute

// MetadataCache keeps file metadata records in Redis, keyed by file id.
// Records never change after upload, so an entry can only go stale by
// the file being deleted, which invalidates it.
type MetadataCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewMetadataCache connects to Redis and checks the connection. Keys
// are namespaced by prefix, usually the collection root.
func NewMetadataCache(ctx context.Context, opts *redis.Options, prefix string, ttl time.Duration) (*MetadataCache, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Annotatef(err, "pinging redis at %s", opts.Addr)
	}
	return newMetadataCache(client, prefix, ttl), nil
}

func newMetadataCache(client *redis.Client, prefix string, ttl time.Duration) *MetadataCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MetadataCache{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the Redis connection.
func (c *MetadataCache) Close() error {
	return c.client.Close()
}

func (c *MetadataCache) key(fileID string) string {
	return c.prefix + ":file:" + fileID
}

// Get returns the cached record, or nil on a miss.
func (c *MetadataCache) Get(ctx context.Context, fileID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "redis.get_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	data, err := c.client.Get(ctx, c.key(fileID)).Bytes()
	if err == redis.Nil {
		span.SetAttributes(attribute.String("cache_status", "miss"))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, errors.Annotatef(err, "reading cached metadata for %s", fileID)
	}

	var file models.File
	if err := json.Unmarshal(data, &file); err != nil {
		span.RecordError(err)
		return nil, errors.Annotatef(err, "decoding cached metadata for %s", fileID)
	}
	span.SetAttributes(attribute.String("cache_status", "hit"))
	return &file, nil
}

// Put caches file under its id.
func (c *MetadataCache) Put(ctx context.Context, file *models.File) error {
	ctx, span := tracer.Start(ctx, "redis.put_file",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.Int64("ttl_seconds", int64(c.ttl.Seconds())),
		),
	)
	defer span.End()

	data, err := json.Marshal(file)
	if err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	if err := c.client.Set(ctx, c.key(file.ID), data, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return errors.Annotatef(err, "caching metadata for %s", file.ID)
	}
	return nil
}

// Invalidate drops the cached record for fileID, if any.
func (c *MetadataCache) Invalidate(ctx context.Context, fileID string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	if err := c.client.Del(ctx, c.key(fileID)).Err(); err != nil {
		span.RecordError(err)
		return errors.Annotatef(err, "invalidating metadata for %s", fileID)
	}
	return nil
}
