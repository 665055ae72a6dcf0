package mgostore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/mgo/v3/bson"
	"github.com/maneesh/labgridfs/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafe(t *testing.T) {
	assert.Nil(t, safe(docstore.WriteConcern{Unacknowledged: true}))

	s := safe(docstore.WriteConcern{WMode: "majority", J: true, WTimeout: 2 * time.Second})
	require.NotNil(t, s)
	assert.Equal(t, "majority", s.WMode)
	assert.True(t, s.J)
	assert.Equal(t, 2000, s.WTimeout)

	s = safe(docstore.Acknowledged)
	require.NotNil(t, s)
	assert.Equal(t, 1, s.W)
}

// dialTestDatabase connects to the server named by MONGO_TEST_URL and
// drops the scratch database afterwards.
func dialTestDatabase(t *testing.T) *Database {
	url := os.Getenv("MONGO_TEST_URL")
	if url == "" {
		t.Skip("MONGO_TEST_URL not set")
	}
	name := "labgridfs_test_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	db, err := Dial(url, name, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		session := db.session.Copy()
		_ = session.DB(name).DropDatabase()
		session.Close()
		_ = db.Close()
	})
	return db
}

func TestMongoCollectionOperations(t *testing.T) {
	db := dialTestDatabase(t)
	ctx := context.Background()
	coll := db.Collection("things")

	require.NoError(t, coll.Insert(ctx, bson.M{"_id": "a", "group": "x"}, docstore.Acknowledged))
	require.NoError(t, coll.Insert(ctx, bson.M{"_id": "b", "group": "x"}, docstore.Acknowledged))
	err := coll.Insert(ctx, bson.M{"_id": "a"}, docstore.Acknowledged)
	assert.ErrorIs(t, err, docstore.ErrDuplicateKey)

	cur, err := coll.Find(ctx, bson.M{"group": "x"})
	require.NoError(t, err)
	var count int
	var doc bson.M
	for cur.Next(&doc) {
		count++
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close())
	assert.Equal(t, 2, count)

	require.NoError(t, coll.Remove(ctx, bson.M{"group": "x"}, docstore.Acknowledged))
	err = coll.FindOne(ctx, bson.M{"_id": "a"}, &doc)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestMongoFileMD5(t *testing.T) {
	db := dialTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureIndex(ctx, "fs.chunks", "files_id", "n"))

	chunks := db.Collection("fs.chunks")
	require.NoError(t, chunks.Insert(ctx, bson.M{"_id": "c0", "files_id": "f", "n": 0, "data": []byte("hello ")}, docstore.Acknowledged))
	require.NoError(t, chunks.Insert(ctx, bson.M{"_id": "c1", "files_id": "f", "n": 1, "data": []byte("mongo")}, docstore.Acknowledged))

	var reply docstore.FileMD5Result
	err := db.RunCommand(ctx, bson.D{{Name: "filemd5", Value: "f"}, {Name: "root", Value: "fs"}}, &reply)
	if err != nil && strings.Contains(err.Error(), "no such command") {
		t.Skip("server does not support filemd5")
	}
	require.NoError(t, err)

	sum := md5.Sum([]byte("hello mongo"))
	assert.Equal(t, hex.EncodeToString(sum[:]), reply.MD5)
}
