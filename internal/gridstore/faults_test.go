package gridstore

import (
	"context"
	"io"

	"github.com/juju/mgo/v3/bson"
	"github.com/maneesh/labgridfs/internal/docstore"
)

// faultyDB wraps a Database to inject failures and record the write
// concerns it is handed.
type faultyDB struct {
	docstore.Database

	insertErr func(coll string, doc any) error
	removeErr func(coll string, query bson.M) error
	cursorErr error

	concerns []docstore.WriteConcern
	cursors  []*trackingCursor
}

func (db *faultyDB) Collection(name string) docstore.Collection {
	return &faultyCollection{Collection: db.Database.Collection(name), db: db}
}

type faultyCollection struct {
	docstore.Collection
	db *faultyDB
}

func (c *faultyCollection) Insert(ctx context.Context, doc any, wc docstore.WriteConcern) error {
	c.db.concerns = append(c.db.concerns, wc)
	if c.db.insertErr != nil {
		if err := c.db.insertErr(c.Name(), doc); err != nil {
			return err
		}
	}
	return c.Collection.Insert(ctx, doc, wc)
}

func (c *faultyCollection) Remove(ctx context.Context, query bson.M, wc docstore.WriteConcern) error {
	c.db.concerns = append(c.db.concerns, wc)
	if c.db.removeErr != nil {
		if err := c.db.removeErr(c.Name(), query); err != nil {
			return err
		}
	}
	return c.Collection.Remove(ctx, query, wc)
}

func (c *faultyCollection) Find(ctx context.Context, query bson.M) (docstore.Cursor, error) {
	cur, err := c.Collection.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	tracked := &trackingCursor{Cursor: cur, err: c.db.cursorErr}
	c.db.cursors = append(c.db.cursors, tracked)
	return tracked, nil
}

type trackingCursor struct {
	docstore.Cursor
	err    error
	closed bool
}

func (c *trackingCursor) Next(result any) bool {
	if c.err != nil {
		return false
	}
	return c.Cursor.Next(result)
}

func (c *trackingCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.Cursor.Err()
}

func (c *trackingCursor) Close() error {
	c.closed = true
	return c.Cursor.Close()
}

// failingReader yields data and then fails.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

type errWriter struct {
	err error
}

func (w errWriter) Write([]byte) (int, error) {
	return 0, w.err
}

var _ io.Writer = errWriter{}
