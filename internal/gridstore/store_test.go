package gridstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/maneesh/labgridfs/internal/docstore"
	"github.com/maneesh/labgridfs/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkSize = 8

var testNow = time.Date(2024, 3, 14, 15, 9, 26, 535000000, time.UTC)

type testEnv struct {
	store *Store
	mem   *docstore.Memory
	db    *faultyDB
	clock *testclock.Clock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mem := docstore.NewMemory()
	db := &faultyDB{Database: mem}
	clk := testclock.NewClock(testNow)

	cfg := DefaultConfig()
	cfg.ChunkSize = testChunkSize
	cfg.WriteConcern = docstore.WriteConcern{WMode: "majority", J: true}

	opts = append([]Option{WithClock(clk), WithIDGenerator(sequentialIDs())}, opts...)
	store, err := New(context.Background(), db, cfg, opts...)
	require.NoError(t, err)
	return &testEnv{store: store, mem: mem, db: db, clock: clk}
}

func sequentialIDs() func() string {
	next := 0
	return func() string {
		next++
		return fmt.Sprintf("id-%04d", next)
	}
}

func payload(length int) []byte {
	data := make([]byte, length)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (e *testEnv) chunkIndexes(t *testing.T, filesID string) []int {
	t.Helper()
	cur, err := e.mem.Collection("fs.chunks").Find(context.Background(), bson.M{"files_id": filesID})
	require.NoError(t, err)
	defer cur.Close()

	var indexes []int
	for {
		var c models.Chunk
		if !cur.Next(&c) {
			break
		}
		indexes = append(indexes, c.N)
	}
	require.NoError(t, cur.Err())
	sort.Ints(indexes)
	return indexes
}

func (e *testEnv) metadataCount(t *testing.T) int {
	t.Helper()
	files, err := e.store.Find(context.Background(), nil)
	require.NoError(t, err)
	return len(files)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	lengths := []int{0, testChunkSize - 1, testChunkSize, testChunkSize + 1, 4 * testChunkSize}
	for _, length := range lengths {
		t.Run(fmt.Sprintf("length %d", length), func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			input := payload(length)

			file, err := env.store.Upload(ctx, bytes.NewReader(input), "data.bin")
			require.NoError(t, err)
			assert.Equal(t, int64(length), file.Length)

			var out bytes.Buffer
			require.NoError(t, env.store.Download(ctx, &out, bson.M{"_id": file.ID}))
			assert.Equal(t, input, out.Bytes())

			want := make([]int, 0)
			for n := 0; n < (length+testChunkSize-1)/testChunkSize; n++ {
				want = append(want, n)
			}
			got := env.chunkIndexes(t, file.ID)
			if got == nil {
				got = []int{}
			}
			assert.Equal(t, want, got)

			assert.Equal(t, md5Hex(input), file.MD5)
		})
	}
}

func TestUploadReturnsStoredMetadata(t *testing.T) {
	env := newTestEnv(t)

	file, err := env.store.Upload(context.Background(), bytes.NewReader(payload(20)), "report.pdf")
	require.NoError(t, err)

	assert.Equal(t, "id-0001", file.ID)
	assert.Equal(t, "report.pdf", file.Filename)
	assert.Equal(t, int64(20), file.Length)
	assert.Equal(t, testChunkSize, file.ChunkSize)
	assert.True(t, testNow.Equal(file.UploadDate), "upload date %v", file.UploadDate)
	assert.Equal(t, time.UTC, file.UploadDate.Location())
	assert.Equal(t, md5Hex(payload(20)), file.MD5)
}

func TestUploadUsesCustomChecksummer(t *testing.T) {
	var gotID, gotRoot string
	env := newTestEnv(t, WithChecksummer(ChecksumFunc(func(_ context.Context, filesID, root string) (string, error) {
		gotID, gotRoot = filesID, root
		return "custom-digest", nil
	})))

	file, err := env.store.Upload(context.Background(), bytes.NewReader([]byte("abc")), "a")
	require.NoError(t, err)
	assert.Equal(t, "custom-digest", file.MD5)
	assert.Equal(t, file.ID, gotID)
	assert.Equal(t, "fs", gotRoot)
}

func TestUploadChunkFailureLeavesOrphans(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("insert refused")
	env.db.insertErr = func(coll string, doc any) error {
		if c, ok := doc.(*models.Chunk); ok && c.N == 2 {
			return boom
		}
		return nil
	}

	_, err := env.store.Upload(context.Background(), bytes.NewReader(payload(3*testChunkSize)), "x")
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 0, env.metadataCount(t))
	assert.Equal(t, []int{0, 1}, env.chunkIndexes(t, "id-0001"))
}

func TestUploadChecksumFailure(t *testing.T) {
	boom := errors.New("command failed")
	env := newTestEnv(t, WithChecksummer(ChecksumFunc(func(context.Context, string, string) (string, error) {
		return "", boom
	})))

	_, err := env.store.Upload(context.Background(), bytes.NewReader(payload(10)), "x")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, env.metadataCount(t))
	assert.Equal(t, []int{0, 1}, env.chunkIndexes(t, "id-0001"))
}

func TestUploadMetadataFailure(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("not primary")
	env.db.insertErr = func(coll string, doc any) error {
		if coll == "fs.files" {
			return boom
		}
		return nil
	}

	_, err := env.store.Upload(context.Background(), bytes.NewReader(payload(5)), "x")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, env.metadataCount(t))
	assert.Equal(t, []int{0}, env.chunkIndexes(t, "id-0001"))
}

func TestUploadReaderFailure(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("disk gone")
	r := &failingReader{data: payload(testChunkSize), err: boom}

	_, err := env.store.Upload(context.Background(), r, "x")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, env.metadataCount(t))
}

func TestWriteConcernForwarded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file, err := env.store.Upload(ctx, bytes.NewReader(payload(20)), "x")
	require.NoError(t, err)
	require.NoError(t, env.store.DeleteByID(ctx, file.ID))

	want := docstore.WriteConcern{WMode: "majority", J: true}
	// three chunk inserts, one metadata insert, two removes
	require.Len(t, env.db.concerns, 6)
	for _, wc := range env.db.concerns {
		assert.Equal(t, want, wc)
	}
}

func TestDownloadNotFound(t *testing.T) {
	env := newTestEnv(t)
	var out bytes.Buffer
	err := env.store.Download(context.Background(), &out, bson.M{"filename": "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, out.Len())
}

func TestDownloadAmbiguousWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := env.store.Upload(ctx, bytes.NewReader(payload(12)), "same.txt")
		require.NoError(t, err)
	}

	var out bytes.Buffer
	err := env.store.DownloadByName(ctx, &out, "same.txt")
	assert.ErrorIs(t, err, ErrAmbiguous)
	assert.Zero(t, out.Len())
}

func TestDownloadMissingChunkPartialWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	input := payload(3 * testChunkSize)

	file, err := env.store.Upload(ctx, bytes.NewReader(input), "three.bin")
	require.NoError(t, err)
	require.NoError(t, env.mem.Collection("fs.chunks").Remove(ctx, bson.M{"files_id": file.ID, "n": 1}, docstore.Acknowledged))

	var out bytes.Buffer
	query := bson.M{"_id": file.ID}
	err = env.store.Download(ctx, &out, query)

	var missing *MissingChunkError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 1, missing.N)
	assert.Equal(t, query, missing.Query)
	assert.ErrorIs(t, err, ErrMissingChunk)
	assert.Equal(t, input[:testChunkSize], out.Bytes())
}

func TestDownloadDoesNotVerifyChecksum(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file, err := env.store.Upload(ctx, bytes.NewReader([]byte("original")), "f")
	require.NoError(t, err)

	chunks := env.mem.Collection("fs.chunks")
	require.NoError(t, chunks.Remove(ctx, bson.M{"files_id": file.ID, "n": 0}, docstore.Acknowledged))
	require.NoError(t, chunks.Insert(ctx, models.Chunk{ID: "tampered", FilesID: file.ID, N: 0, Data: []byte("tampered")}, docstore.Acknowledged))

	var out bytes.Buffer
	require.NoError(t, env.store.Download(ctx, &out, bson.M{"_id": file.ID}))
	assert.Equal(t, "tampered", out.String())
}

func TestDownloadWriterFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file, err := env.store.Upload(ctx, bytes.NewReader(payload(10)), "f")
	require.NoError(t, err)

	boom := errors.New("client went away")
	err = env.store.Download(ctx, errWriter{boom}, bson.M{"_id": file.ID})
	assert.ErrorIs(t, err, boom)
}

func TestDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var doomed []string
	for i := 0; i < 3; i++ {
		f, err := env.store.Upload(ctx, bytes.NewReader(payload(10+i)), "old.log")
		require.NoError(t, err)
		doomed = append(doomed, f.ID)
	}
	keep, err := env.store.Upload(ctx, bytes.NewReader(payload(9)), "new.log")
	require.NoError(t, err)

	require.NoError(t, env.store.DeleteByName(ctx, "old.log"))

	files, err := env.store.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, keep.ID, files[0].ID)
	for _, id := range doomed {
		assert.Empty(t, env.chunkIndexes(t, id))
	}
	assert.Equal(t, []int{0, 1}, env.chunkIndexes(t, keep.ID))
}

func TestDeleteNoMatch(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.store.DeleteByID(context.Background(), "ghost"))
}

func TestDeleteRemovesMetadataFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file, err := env.store.Upload(ctx, bytes.NewReader(payload(20)), "f")
	require.NoError(t, err)

	boom := errors.New("connection reset")
	env.db.removeErr = func(coll string, query bson.M) error {
		if coll == "fs.chunks" {
			return boom
		}
		return nil
	}

	err = env.store.DeleteByID(ctx, file.ID)
	assert.ErrorIs(t, err, boom)

	// The file is gone for readers; its chunks are orphaned.
	_, err = env.store.FindOne(ctx, bson.M{"_id": file.ID})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []int{0, 1, 2}, env.chunkIndexes(t, file.ID))
}

func TestFindAndFindOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "a"} {
		_, err := env.store.Upload(ctx, bytes.NewReader(payload(3)), name)
		require.NoError(t, err)
	}

	all, err := env.store.Find(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	as, err := env.store.Find(ctx, bson.M{"filename": "a"})
	require.NoError(t, err)
	require.Len(t, as, 2)

	first, err := env.store.FindOne(ctx, bson.M{"filename": "a"})
	require.NoError(t, err)
	assert.Equal(t, as[0].ID, first.ID)

	none, err := env.store.Find(ctx, bson.M{"filename": "zzz"})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = env.store.FindOne(ctx, bson.M{"filename": "zzz"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindClosesCursorOnError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Upload(ctx, bytes.NewReader(payload(3)), "a")
	require.NoError(t, err)

	boom := errors.New("cursor killed")
	env.db.cursorErr = boom

	_, err = env.store.Find(ctx, nil)
	assert.ErrorIs(t, err, boom)
	require.NotEmpty(t, env.db.cursors)
	for _, cur := range env.db.cursors {
		assert.True(t, cur.closed)
	}
}

func TestUploadFileAndDownloadToFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "source.dat")
	input := payload(30)
	require.NoError(t, os.WriteFile(src, input, 0644))

	file, err := env.store.UploadFile(ctx, src, "")
	require.NoError(t, err)
	assert.Equal(t, "source.dat", file.Filename)

	dst := filepath.Join(dir, "copy.dat")
	require.NoError(t, env.store.DownloadToFile(ctx, dst, bson.M{"filename": "source.dat"}))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, input, got)

	_, err = env.store.UploadFile(ctx, filepath.Join(dir, "missing"), "x")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewValidatesAndIndexes(t *testing.T) {
	mem := docstore.NewMemory()
	_, err := New(context.Background(), mem, Config{ChunkSize: 0})
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = New(context.Background(), mem, Config{ChunkSize: 1, FilesCollection: "x", ChunksCollection: "x"})
	assert.True(t, errors.Is(err, errors.NotValid))

	store, err := New(context.Background(), mem, Config{Root: "media", ChunkSize: 4})
	require.NoError(t, err)
	assert.Equal(t, "media.files", store.Config().FilesCollection)
	assert.Equal(t, "media.chunks", store.Config().ChunksCollection)
	assert.Equal(t, [][]string{{"files_id", "n"}}, mem.Indexes("media.chunks"))
	assert.Equal(t, [][]string{{"filename", "uploadDate"}}, mem.Indexes("media.files"))
}

func TestCustomRoot(t *testing.T) {
	mem := docstore.NewMemory()
	ctx := context.Background()
	store, err := New(ctx, mem, Config{Root: "media", ChunkSize: 4})
	require.NoError(t, err)

	input := []byte("hello, media root")
	file, err := store.Upload(ctx, bytes.NewReader(input), "greeting")
	require.NoError(t, err)
	assert.Equal(t, md5Hex(input), file.MD5)

	var out bytes.Buffer
	require.NoError(t, store.DownloadByName(ctx, &out, "greeting"))
	assert.Equal(t, input, out.Bytes())
}

func TestChunksCollectionMustFollowRoot(t *testing.T) {
	mem := docstore.NewMemory()
	ctx := context.Background()
	assert.NoError(t, DefaultConfig().Validate())

	_, err := New(ctx, mem, Config{FilesCollection: "media_files", ChunksCollection: "media_chunks", ChunkSize: 4})
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = New(ctx, mem, Config{Root: "media", ChunksCollection: "fs.chunks", ChunkSize: 4})
	assert.True(t, errors.Is(err, errors.NotValid))

	// The files collection is free to take any name.
	store, err := New(ctx, mem, Config{Root: "media", FilesCollection: "media_files", ChunkSize: 4})
	require.NoError(t, err)
	assert.Equal(t, "media.chunks", store.Config().ChunksCollection)

	input := []byte("hello, custom collections")
	file, err := store.Upload(ctx, bytes.NewReader(input), "greeting")
	require.NoError(t, err)
	assert.Equal(t, md5Hex(input), file.MD5)

	var meta models.File
	require.NoError(t, mem.Collection("media_files").FindOne(ctx, bson.M{"_id": file.ID}, &meta))
	assert.Equal(t, md5Hex(input), meta.MD5)

	var out bytes.Buffer
	require.NoError(t, store.DownloadByName(ctx, &out, "greeting"))
	assert.Equal(t, input, out.Bytes())
}
