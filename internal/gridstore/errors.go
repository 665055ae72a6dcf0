package gridstore

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

const (
	// ErrNotFound means a single-result query matched no file.
	ErrNotFound = errors.ConstError("file not found")
	// ErrAmbiguous means a single-result query matched several files.
	ErrAmbiguous = errors.ConstError("query matches more than one file")
	// ErrMissingChunk is the cause of every MissingChunkError.
	ErrMissingChunk = errors.ConstError("missing chunk")
)

// MissingChunkError reports a chunk index absent during reassembly.
type MissingChunkError struct {
	N     int
	Query bson.M
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("chunk %d missing for query %v", e.N, e.Query)
}

// Unwrap lets errors.Is match ErrMissingChunk.
func (e *MissingChunkError) Unwrap() error {
	return ErrMissingChunk
}
