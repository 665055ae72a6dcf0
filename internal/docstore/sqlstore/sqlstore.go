// Package sqlstore implements docstore.Database on a SQL database such
// as TiDB or MySQL. Each collection is a table of bson encoded bodies
// keyed by _id. The fields the file store looks documents up by
// (files_id, n, filename) are copied into indexed columns, so equality
// on them is answered by SQL; every other field is matched in Go over
// the decoded bodies.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3/bson"
	"github.com/maneesh/labgridfs/internal/docstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("labgridfs-sqlstore")
	logger = loggo.GetLogger("labgridfs.docstore.sqlstore")
)

const (
	// mysqlDuplicateEntry is ER_DUP_ENTRY.
	mysqlDuplicateEntry = 1062
	// mysqlDuplicateKeyName is ER_DUP_KEYNAME.
	mysqlDuplicateKeyName = 1061

	// maxKeyLength bounds string values copied into key columns.
	maxKeyLength = 255
)

// keyColumn is a document field mirrored into its own column.
type keyColumn struct {
	field   string
	sqlType string
	// value returns the column value for a field value, or false when
	// the value cannot be represented; such documents get NULL and are
	// only found by the Go matcher.
	value func(any) (any, bool)
}

var keyColumns = []keyColumn{
	{field: "files_id", sqlType: "VARCHAR(255)", value: stringKey},
	{field: "n", sqlType: "BIGINT", value: intKey},
	{field: "filename", sqlType: "VARCHAR(255)", value: stringKey},
}

func stringKey(v any) (any, bool) {
	s, ok := v.(string)
	if !ok || len(s) > maxKeyLength {
		return nil, false
	}
	return s, true
}

// intKey accepts every value the matcher treats as an integer, so a
// column hit never disagrees with a Go match.
func intKey(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), true
		}
	}
	return nil, false
}

// Database stores collections as tables in a SQL database.
type Database struct {
	db *sql.DB

	mu      sync.Mutex
	tables  map[string]bool
	indexes map[string]bool
}

// Open opens and pings a SQL database. driverName is "mysql" for TiDB
// and MySQL.
func Open(driverName, dsn string) (*Database, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Annotate(err, "opening database")
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "pinging database")
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return New(db), nil
}

// New wraps an open *sql.DB. The Database takes ownership of it.
func New(db *sql.DB) *Database {
	return &Database{
		db:      db,
		tables:  make(map[string]bool),
		indexes: make(map[string]bool),
	}
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Collection implements docstore.Database.
func (d *Database) Collection(name string) docstore.Collection {
	return &collection{db: d, name: name, table: quoteIdent(name)}
}

// RunCommand implements docstore.Database. Only filemd5 is supported,
// computed over the chunk table.
func (d *Database) RunCommand(ctx context.Context, cmd bson.D, result any) error {
	if len(cmd) > 0 && cmd[0].Name == docstore.FileMD5Command {
		ctx, span := tracer.Start(ctx, "sql.filemd5")
		defer span.End()
		err := docstore.RunFileMD5(ctx, d, cmd, result)
		if err != nil {
			span.RecordError(err)
		}
		return errors.Trace(err)
	}
	return errors.Annotatef(docstore.ErrUnknownCommand, "%v", cmd)
}

// EnsureIndex implements docstore.Database. The index covers the
// leading keys that have their own column; a key without one ends it.
func (d *Database) EnsureIndex(ctx context.Context, collection string, keys ...string) error {
	if err := d.ensureTable(ctx, collection); err != nil {
		return errors.Trace(err)
	}

	var columns []string
	for _, key := range keys {
		if _, ok := columnFor(key); !ok {
			break
		}
		columns = append(columns, key)
	}
	if len(columns) == 0 {
		logger.Debugf("no column for index %v on %q; matched in process", keys, collection)
		return nil
	}

	name := indexName(collection, columns)
	d.mu.Lock()
	done := d.indexes[name]
	d.mu.Unlock()
	if done {
		return nil
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}
	stmt := fmt.Sprintf(`CREATE INDEX %s ON %s (%s)`,
		quoteIdent(name), quoteIdent(collection), strings.Join(quoted, ", "))
	if _, err := d.db.ExecContext(ctx, stmt); err != nil && !isDuplicateIndex(err) {
		return errors.Annotatef(err, "creating index %s", name)
	}
	if len(columns) < len(keys) {
		logger.Debugf("index %s covers %v of %v", name, columns, keys)
	}

	d.mu.Lock()
	d.indexes[name] = true
	d.mu.Unlock()
	return nil
}

func columnFor(field string) (keyColumn, bool) {
	for _, col := range keyColumns {
		if col.field == field {
			return col, true
		}
	}
	return keyColumn{}, false
}

// indexName is unique per database, which SQLite requires.
func indexName(collection string, columns []string) string {
	name := "idx_" + collection + "_" + strings.Join(columns, "_")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
}

func (d *Database) ensureTable(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tables[name] {
		return nil
	}

	columns := "id VARCHAR(255) NOT NULL PRIMARY KEY"
	for _, col := range keyColumns {
		columns += fmt.Sprintf(",\n\t\t%s %s NULL", quoteIdent(col.field), col.sqlType)
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t%s,\n\t\tbody LONGBLOB NOT NULL\n\t)",
		quoteIdent(name), columns)
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return errors.Annotatef(err, "creating table %q", name)
	}
	d.tables[name] = true
	return nil
}

type collection struct {
	db    *Database
	name  string
	table string
}

func (c *collection) Name() string {
	return c.name
}

// Insert writes one row. The write concern has no SQL equivalent; the
// statement is committed before Insert returns.
func (c *collection) Insert(ctx context.Context, doc any, wc docstore.WriteConcern) error {
	ctx, span := tracer.Start(ctx, "sql.insert",
		trace.WithAttributes(attribute.String("collection", c.name)),
	)
	defer span.End()

	if err := c.db.ensureTable(ctx, c.name); err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}

	id, decoded, body, err := encode(doc)
	if err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	span.SetAttributes(attribute.String("doc_id", id), attribute.Int("size_bytes", len(body)))

	names := []string{"id"}
	args := []any{id}
	for _, col := range keyColumns {
		names = append(names, quoteIdent(col.field))
		var value any
		if v, ok := decoded[col.field]; ok {
			value, _ = col.value(v)
		}
		args = append(args, value)
	}
	names = append(names, "body")
	args = append(args, body)

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?%s)`,
		c.table, strings.Join(names, ", "), strings.Repeat(", ?", len(names)-1))
	if _, err := c.db.db.ExecContext(ctx, query, args...); err != nil {
		span.RecordError(err)
		if isDuplicate(err) {
			return errors.Annotatef(docstore.ErrDuplicateKey, "%s _id %s", c.name, id)
		}
		return errors.Annotatef(err, "inserting into %q", c.name)
	}
	return nil
}

// Remove deletes every matching row in one transaction.
func (c *collection) Remove(ctx context.Context, query bson.M, wc docstore.WriteConcern) error {
	ctx, span := tracer.Start(ctx, "sql.remove",
		trace.WithAttributes(attribute.String("collection", c.name)),
	)
	defer span.End()

	ids, err := c.matchingIDs(ctx, query)
	if err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.table)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			_ = tx.Rollback()
			span.RecordError(err)
			return errors.Annotatef(err, "deleting %s from %q", id, c.name)
		}
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}

	span.SetAttributes(attribute.Int("removed", len(ids)))
	return nil
}

func (c *collection) matchingIDs(ctx context.Context, query bson.M) ([]string, error) {
	cur, err := c.find(ctx, query, true)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer cur.Close()

	var ids []string
	for cur.Next(nil) {
		ids = append(ids, cur.id)
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return ids, nil
}

func (c *collection) Find(ctx context.Context, query bson.M) (docstore.Cursor, error) {
	ctx, span := tracer.Start(ctx, "sql.find",
		trace.WithAttributes(attribute.String("collection", c.name)),
	)
	defer span.End()

	cur, err := c.find(ctx, query, false)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Trace(err)
	}
	return cur, nil
}

func (c *collection) FindOne(ctx context.Context, query bson.M, result any) error {
	ctx, span := tracer.Start(ctx, "sql.find_one",
		trace.WithAttributes(attribute.String("collection", c.name)),
	)
	defer span.End()

	cur, err := c.find(ctx, query, false)
	if err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	defer cur.Close()

	found := cur.Next(result)
	span.SetAttributes(attribute.Int("rows_scanned", cur.scanned))
	if found {
		span.SetAttributes(attribute.Bool("found", true))
		return nil
	}
	if err := cur.Err(); err != nil {
		span.RecordError(err)
		return errors.Trace(err)
	}
	span.SetAttributes(attribute.Bool("found", false))
	return errors.Annotatef(docstore.ErrNotFound, "%s %v", c.name, query)
}

func (c *collection) find(ctx context.Context, query bson.M, withID bool) (*cursor, error) {
	matcher, err := docstore.NewMatcher(query)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.db.ensureTable(ctx, c.name); err != nil {
		return nil, errors.Trace(err)
	}

	stmt, args := selectStatement(c.table, query)
	rows, err := c.db.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Annotatef(err, "querying %q", c.name)
	}
	return &cursor{rows: rows, matcher: matcher}, nil
}

// selectStatement narrows the scan with every equality the table can
// answer: _id through the primary key, key fields through their
// columns. The matcher still checks the full query on each row.
func selectStatement(table string, query bson.M) (string, []any) {
	var conds []string
	var args []any
	if id, ok := query["_id"]; ok {
		if key, ok := idKey(id); ok {
			conds = append(conds, "id = ?")
			args = append(args, key)
		}
	}
	for _, col := range keyColumns {
		v, ok := query[col.field]
		if !ok {
			continue
		}
		if value, ok := col.value(v); ok {
			conds = append(conds, quoteIdent(col.field)+" = ?")
			args = append(args, value)
		}
	}

	stmt := fmt.Sprintf(`SELECT id, body FROM %s`, table)
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	return stmt, args
}

// cursor streams rows and skips those the matcher rejects.
type cursor struct {
	rows    *sql.Rows
	matcher *docstore.Matcher
	id      string
	scanned int
	err     error
	closed  bool
}

// Next decodes the next matching row into result. A nil result only
// advances the cursor.
func (c *cursor) Next(result any) bool {
	if c.closed || c.err != nil {
		return false
	}
	for c.rows.Next() {
		c.scanned++
		var id string
		var body []byte
		if err := c.rows.Scan(&id, &body); err != nil {
			c.err = errors.Trace(err)
			return false
		}
		var doc bson.M
		if err := bson.Unmarshal(body, &doc); err != nil {
			c.err = errors.Annotatef(err, "decoding %s", id)
			return false
		}
		if !c.matcher.Match(doc) {
			continue
		}
		c.id = id
		if result != nil {
			if err := bson.Unmarshal(body, result); err != nil {
				c.err = errors.Annotatef(err, "decoding %s", id)
				return false
			}
		}
		return true
	}
	c.err = errors.Trace(c.rows.Err())
	return false
}

func (c *cursor) Err() error {
	return c.err
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Trace(c.rows.Close())
}

// encode marshals doc and returns its primary key and decoded form,
// generating an ObjectId when the document has no _id.
func encode(doc any) (string, bson.M, []byte, error) {
	body, err := bson.Marshal(doc)
	if err != nil {
		return "", nil, nil, errors.Annotate(err, "encoding document")
	}
	var decoded bson.M
	if err := bson.Unmarshal(body, &decoded); err != nil {
		return "", nil, nil, errors.Trace(err)
	}
	id, ok := decoded["_id"]
	if !ok {
		id = bson.NewObjectId()
		decoded["_id"] = id
		if body, err = bson.Marshal(decoded); err != nil {
			return "", nil, nil, errors.Trace(err)
		}
	}
	key, ok := idKey(id)
	if !ok {
		return "", nil, nil, errors.NotSupportedf("_id of type %T", id)
	}
	return key, decoded, body, nil
}

// idKey renders an _id as the primary key column value.
func idKey(id any) (string, bool) {
	switch v := id.(type) {
	case string:
		return v, true
	case bson.ObjectId:
		return v.Hex(), true
	case int, int32, int64:
		return fmt.Sprintf("%d", v), true
	}
	return "", false
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	// SQLite reports constraint violations only through the message.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isDuplicateIndex(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateKeyName
	}
	return strings.Contains(err.Error(), "already exists")
}
