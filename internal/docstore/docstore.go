// Package docstore defines the document collection capability the
// chunked file store is built on, along with helpers shared by the
// backends that implement it.
//
// A Database hands out named collections and runs store-side commands.
// Queries are bson.M documents; a nil or empty query matches every
// document in a collection. Cursors returned by Find are lazy, finite
// and non-restartable, and must be closed by the caller on every path.
package docstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

const (
	// ErrNotFound is returned by FindOne when nothing matches.
	ErrNotFound = errors.ConstError("document not found")
	// ErrDuplicateKey is returned by Insert when the _id already exists.
	ErrDuplicateKey = errors.ConstError("duplicate key")
	// ErrUnsupportedQuery is returned by backends that only evaluate
	// top-level equality queries.
	ErrUnsupportedQuery = errors.ConstError("unsupported query")
	// ErrUnknownCommand is returned by RunCommand for commands the
	// backend does not implement.
	ErrUnknownCommand = errors.ConstError("unknown command")
)

// Database is a set of named collections plus store-side commands.
type Database interface {
	// Collection returns a handle for the named collection. It does
	// not touch the backend.
	Collection(name string) Collection
	// RunCommand runs a database command and decodes its reply into result.
	RunCommand(ctx context.Context, cmd bson.D, result any) error
	// EnsureIndex makes sure an index over keys exists on the collection.
	EnsureIndex(ctx context.Context, collection string, keys ...string) error
	// Close releases the backend connection.
	Close() error
}

// Collection is a named set of documents.
type Collection interface {
	Name() string
	// Insert stores one document, acknowledged according to wc.
	Insert(ctx context.Context, doc any, wc WriteConcern) error
	// Remove deletes every document matching query, acknowledged
	// according to wc.
	Remove(ctx context.Context, query bson.M, wc WriteConcern) error
	// Find opens a cursor over the documents matching query.
	Find(ctx context.Context, query bson.M) (Cursor, error)
	// FindOne decodes the first document matching query into result,
	// or returns ErrNotFound.
	FindOne(ctx context.Context, query bson.M, result any) error
}

// Cursor iterates over query results.
//
//	cur, err := coll.Find(ctx, query)
//	if err != nil {
//		return err
//	}
//	defer cur.Close()
//	for cur.Next(&doc) {
//		...
//	}
//	return cur.Err()
type Cursor interface {
	// Next decodes the next document into result and reports whether
	// there was one.
	Next(result any) bool
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases the cursor. It is safe to call more than once.
	Close() error
}

// WriteConcern controls how strongly inserts and removes are
// acknowledged before returning.
type WriteConcern struct {
	// W is the number of members that must acknowledge the write.
	W int
	// WMode is a named mode such as "majority". It overrides W.
	WMode string
	// J waits for the journal commit.
	J bool
	// FSync waits for the data to be flushed to disk.
	FSync bool
	// WTimeout bounds how long to wait for acknowledgement.
	WTimeout time.Duration
	// Unacknowledged fires writes without waiting for any reply.
	Unacknowledged bool
}

// Acknowledged is the default write concern: one member acknowledges.
var Acknowledged = WriteConcern{W: 1}

// String renders the write concern in the form ParseWriteConcern accepts.
func (wc WriteConcern) String() string {
	switch {
	case wc.Unacknowledged:
		return "unacknowledged"
	case wc.WMode != "":
		return wc.WMode
	default:
		return strconv.Itoa(wc.W)
	}
}

// ParseWriteConcern parses "unacknowledged" (or "0"), a member count,
// or a named mode such as "majority". The empty string means
// Acknowledged.
func ParseWriteConcern(s string) (WriteConcern, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "acknowledged":
		return Acknowledged, nil
	case "0", "unacknowledged":
		return WriteConcern{Unacknowledged: true}, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return WriteConcern{}, errors.NotValidf("write concern %q", s)
		}
		return WriteConcern{W: n}, nil
	}
	if strings.ContainsAny(s, " \t") {
		return WriteConcern{}, errors.NotValidf("write concern %q", s)
	}
	return WriteConcern{WMode: s}, nil
}
