package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// Memory is an in-process Database. Documents are kept bson encoded in
// insertion order, which is also the order Find yields them in. Write
// concerns are accepted and ignored.
type Memory struct {
	mu          sync.Mutex
	collections map[string][]memDoc
	indexes     map[string][][]string
}

type memDoc struct {
	key string
	raw []byte
	doc bson.M
}

// NewMemory returns an empty in-process Database.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string][]memDoc),
		indexes:     make(map[string][][]string),
	}
}

// Collection implements Database.
func (m *Memory) Collection(name string) Collection {
	return &memCollection{db: m, name: name}
}

// RunCommand implements Database. Only filemd5 is supported.
func (m *Memory) RunCommand(ctx context.Context, cmd bson.D, result any) error {
	if len(cmd) > 0 && cmd[0].Name == FileMD5Command {
		return RunFileMD5(ctx, m, cmd, result)
	}
	return errors.Annotatef(ErrUnknownCommand, "%v", cmd)
}

// EnsureIndex implements Database. Indexes are recorded, not built.
func (m *Memory) EnsureIndex(_ context.Context, collection string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.indexes[collection] {
		if fmt.Sprint(existing) == fmt.Sprint(keys) {
			return nil
		}
	}
	m.indexes[collection] = append(m.indexes[collection], append([]string(nil), keys...))
	return nil
}

// Indexes returns the index key sets recorded for collection.
func (m *Memory) Indexes(collection string) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.indexes[collection]...)
}

// Close implements Database.
func (m *Memory) Close() error {
	return nil
}

type memCollection struct {
	db   *Memory
	name string
}

func (c *memCollection) Name() string {
	return c.name
}

func (c *memCollection) Insert(_ context.Context, doc any, _ WriteConcern) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return errors.Annotatef(err, "encoding document for %q", c.name)
	}
	var decoded bson.M
	if err := bson.Unmarshal(raw, &decoded); err != nil {
		return errors.Trace(err)
	}
	id, ok := decoded["_id"]
	if !ok {
		id = bson.NewObjectId()
		decoded["_id"] = id
		if raw, err = bson.Marshal(decoded); err != nil {
			return errors.Trace(err)
		}
	}
	key := fmt.Sprintf("%T:%v", id, id)

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	for _, existing := range c.db.collections[c.name] {
		if existing.key == key {
			return errors.Annotatef(ErrDuplicateKey, "%s _id %v", c.name, id)
		}
	}
	c.db.collections[c.name] = append(c.db.collections[c.name], memDoc{key: key, raw: raw, doc: decoded})
	return nil
}

func (c *memCollection) Remove(_ context.Context, query bson.M, _ WriteConcern) error {
	matcher, err := NewMatcher(query)
	if err != nil {
		return errors.Trace(err)
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	docs := c.db.collections[c.name]
	kept := docs[:0]
	for _, d := range docs {
		if !matcher.Match(d.doc) {
			kept = append(kept, d)
		}
	}
	// Clear the tail so removed documents are not retained.
	for i := len(kept); i < len(docs); i++ {
		docs[i] = memDoc{}
	}
	c.db.collections[c.name] = kept
	return nil
}

func (c *memCollection) Find(_ context.Context, query bson.M) (Cursor, error) {
	matcher, err := NewMatcher(query)
	if err != nil {
		return nil, errors.Trace(err)
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	var matched [][]byte
	for _, d := range c.db.collections[c.name] {
		if matcher.Match(d.doc) {
			matched = append(matched, d.raw)
		}
	}
	return &memCursor{docs: matched}, nil
}

func (c *memCollection) FindOne(ctx context.Context, query bson.M, result any) error {
	cur, err := c.Find(ctx, query)
	if err != nil {
		return errors.Trace(err)
	}
	defer cur.Close()
	if cur.Next(result) {
		return nil
	}
	if err := cur.Err(); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(ErrNotFound, "%s %v", c.name, query)
}

// memCursor walks a snapshot taken when Find was called.
type memCursor struct {
	docs   [][]byte
	pos    int
	err    error
	closed bool
}

func (c *memCursor) Next(result any) bool {
	if c.closed || c.err != nil || c.pos >= len(c.docs) {
		return false
	}
	// Decode from a copy so callers never alias stored bytes.
	raw := append([]byte(nil), c.docs[c.pos]...)
	c.pos++
	if err := bson.Unmarshal(raw, result); err != nil {
		c.err = errors.Trace(err)
		return false
	}
	return true
}

func (c *memCursor) Err() error {
	return c.err
}

func (c *memCursor) Close() error {
	c.closed = true
	c.docs = nil
	return nil
}
