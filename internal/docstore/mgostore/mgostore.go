// Package mgostore implements docstore.Database on MongoDB.
package mgostore

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/maneesh/labgridfs/internal/docstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("labgridfs-mgostore")
	logger = loggo.GetLogger("labgridfs.docstore.mgostore")
)

// Database is a MongoDB database reached through one root session.
// Every operation runs on a copy of that session.
type Database struct {
	session *mgo.Session
	name    string
}

// Dial connects to the MongoDB deployment at url and selects the named
// database.
func Dial(url, name string, timeout time.Duration) (*Database, error) {
	session, err := mgo.DialWithTimeout(url, timeout)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", url)
	}
	if err := session.Ping(); err != nil {
		session.Close()
		return nil, errors.Annotate(err, "pinging mongo")
	}
	logger.Infof("connected to mongo database %q", name)
	return New(session, name), nil
}

// New wraps an existing session. The Database takes ownership of it.
func New(session *mgo.Session, name string) *Database {
	return &Database{session: session, name: name}
}

// Collection implements docstore.Database.
func (d *Database) Collection(name string) docstore.Collection {
	return &collection{db: d, name: name}
}

// RunCommand implements docstore.Database. filemd5 runs server side.
func (d *Database) RunCommand(ctx context.Context, cmd bson.D, result any) error {
	_, span := tracer.Start(ctx, "mongo.run_command")
	defer span.End()
	if len(cmd) > 0 {
		span.SetAttributes(attribute.String("command", cmd[0].Name))
	}

	session := d.session.Copy()
	defer session.Close()

	if err := session.DB(d.name).Run(cmd, result); err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	return nil
}

// EnsureIndex implements docstore.Database.
func (d *Database) EnsureIndex(ctx context.Context, collection string, keys ...string) error {
	_, span := tracer.Start(ctx, "mongo.ensure_index",
		trace.WithAttributes(
			attribute.String("collection", collection),
			attribute.StringSlice("keys", keys),
		),
	)
	defer span.End()

	session := d.session.Copy()
	defer session.Close()

	if err := session.DB(d.name).C(collection).EnsureIndexKey(keys...); err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	return nil
}

// Close implements docstore.Database.
func (d *Database) Close() error {
	d.session.Close()
	return nil
}

// safe converts a write concern into the session safety mode. A nil
// result makes writes fire and forget.
func safe(wc docstore.WriteConcern) *mgo.Safe {
	if wc.Unacknowledged {
		return nil
	}
	return &mgo.Safe{
		W:        wc.W,
		WMode:    wc.WMode,
		WTimeout: int(wc.WTimeout / time.Millisecond),
		FSync:    wc.FSync,
		J:        wc.J,
	}
}

type collection struct {
	db   *Database
	name string
}

func (c *collection) Name() string {
	return c.name
}

// writeSession returns a session copy honouring wc.
func (c *collection) writeSession(wc docstore.WriteConcern) *mgo.Session {
	session := c.db.session.Copy()
	session.SetSafe(safe(wc))
	return session
}

func (c *collection) Insert(ctx context.Context, doc any, wc docstore.WriteConcern) error {
	_, span := tracer.Start(ctx, "mongo.insert",
		trace.WithAttributes(
			attribute.String("collection", c.name),
			attribute.String("write_concern", wc.String()),
		),
	)
	defer span.End()

	session := c.writeSession(wc)
	defer session.Close()

	err := session.DB(c.db.name).C(c.name).Insert(doc)
	if mgo.IsDup(err) {
		span.RecordError(err)
		return errors.Annotatef(docstore.ErrDuplicateKey, "%s: %v", c.name, err)
	}
	if err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	return nil
}

func (c *collection) Remove(ctx context.Context, query bson.M, wc docstore.WriteConcern) error {
	_, span := tracer.Start(ctx, "mongo.remove",
		trace.WithAttributes(
			attribute.String("collection", c.name),
			attribute.String("write_concern", wc.String()),
		),
	)
	defer span.End()

	session := c.writeSession(wc)
	defer session.Close()

	info, err := session.DB(c.db.name).C(c.name).RemoveAll(query)
	if err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	if info != nil {
		span.SetAttributes(attribute.Int("removed", info.Removed))
	}
	return nil
}

func (c *collection) Find(ctx context.Context, query bson.M) (docstore.Cursor, error) {
	_, span := tracer.Start(ctx, "mongo.find",
		trace.WithAttributes(attribute.String("collection", c.name)),
	)
	defer span.End()

	session := c.db.session.Copy()
	iter := session.DB(c.db.name).C(c.name).Find(query).Iter()
	return &cursor{iter: iter, session: session}, nil
}

func (c *collection) FindOne(ctx context.Context, query bson.M, result any) error {
	_, span := tracer.Start(ctx, "mongo.find_one",
		trace.WithAttributes(attribute.String("collection", c.name)),
	)
	defer span.End()

	session := c.db.session.Copy()
	defer session.Close()

	err := session.DB(c.db.name).C(c.name).Find(query).One(result)
	if err == mgo.ErrNotFound {
		span.SetAttributes(attribute.Bool("found", false))
		return errors.Annotatef(docstore.ErrNotFound, "%s %v", c.name, query)
	}
	if err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	span.SetAttributes(attribute.Bool("found", true))
	return nil
}

// cursor owns the session copy its iterator runs on.
type cursor struct {
	iter    *mgo.Iter
	session *mgo.Session
	err     error
	closed  bool
}

func (c *cursor) Next(result any) bool {
	if c.closed {
		return false
	}
	return c.iter.Next(result)
}

func (c *cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return nil
	}
	return errors.Trace(c.iter.Err())
}

func (c *cursor) Close() error {
	if c.closed {
		return c.err
	}
	c.closed = true
	c.err = errors.Trace(c.iter.Close())
	c.session.Close()
	return c.err
}
