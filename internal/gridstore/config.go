package gridstore

import (
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/maneesh/labgridfs/internal/docstore"
)

const (
	// DefaultRoot is the collection prefix used when none is configured.
	DefaultRoot = "fs"
	// DefaultChunkSize is the chunk size used when none is configured.
	DefaultChunkSize = 256 * 1024
)

// Config names the backing collections and sets the write policy. It is
// fixed once the Store is built.
type Config struct {
	// Root is the collection prefix, "fs" by default.
	Root string
	// FilesCollection defaults to <Root>.files.
	FilesCollection string
	// ChunksCollection defaults to <Root>.chunks and may not name
	// anything else: the filemd5 digest is computed over <Root>.chunks.
	ChunksCollection string
	// ChunkSize is the number of bytes per chunk.
	ChunkSize int
	// WriteConcern applies to every insert and remove.
	WriteConcern docstore.WriteConcern
}

// DefaultConfig returns the configuration for the conventional fs root.
func DefaultConfig() Config {
	return Config{
		Root:         DefaultRoot,
		ChunkSize:    DefaultChunkSize,
		WriteConcern: docstore.Acknowledged,
	}
}

// withDefaults fills in derived collection names.
func (c Config) withDefaults() Config {
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.FilesCollection == "" {
		c.FilesCollection = c.Root + ".files"
	}
	if c.ChunksCollection == "" {
		c.ChunksCollection = c.Root + ".chunks"
	}
	return c
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.ChunkSize <= 0 {
		return errors.NotValidf("chunk size %d", c.ChunkSize)
	}
	if c.FilesCollection == c.ChunksCollection {
		return errors.NotValidf("files and chunks sharing collection %q", c.FilesCollection)
	}
	if want := c.Root + ".chunks"; c.ChunksCollection != want {
		return errors.NotValidf("chunks collection %q for root %q (must be %q)", c.ChunksCollection, c.Root, want)
	}
	return nil
}

// Option customises a Store.
type Option func(*Store)

// WithChecksummer replaces the store-side filemd5 digest.
func WithChecksummer(c Checksummer) Option {
	return func(s *Store) {
		s.checksummer = c
	}
}

// WithClock sets the clock used for upload dates.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		s.clock = clk
	}
}

// WithIDGenerator sets the function generating file and chunk ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		s.newID = fn
	}
}

func newUUID() string {
	return uuid.New().String()
}
