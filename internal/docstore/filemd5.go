package docstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// FileMD5Command is the name of the command that digests a file's chunks.
const FileMD5Command = "filemd5"

// FileMD5Result is the reply of the filemd5 command.
type FileMD5Result struct {
	MD5       string `bson:"md5"`
	NumChunks int    `bson:"numChunks"`
}

// ParseFileMD5 extracts the file id and collection root from a
// {filemd5: id, root: root} command document.
func ParseFileMD5(cmd bson.D) (id any, root string, err error) {
	if len(cmd) == 0 || cmd[0].Name != FileMD5Command {
		return nil, "", errors.Annotatef(ErrUnknownCommand, "%v", cmd)
	}
	id = cmd[0].Value
	root = "fs"
	for _, elem := range cmd[1:] {
		if elem.Name != "root" {
			continue
		}
		r, ok := elem.Value.(string)
		if !ok {
			return nil, "", errors.NotValidf("filemd5 root %v", elem.Value)
		}
		root = r
	}
	return id, root, nil
}

// RunFileMD5 evaluates the filemd5 command client side: the data of
// every chunk of the file in <root>.chunks is hashed in n order. The
// reply is decoded into result the same way a server reply would be.
func RunFileMD5(ctx context.Context, db Database, cmd bson.D, result any) error {
	id, root, err := ParseFileMD5(cmd)
	if err != nil {
		return errors.Trace(err)
	}

	cur, err := db.Collection(root+".chunks").Find(ctx, bson.M{"files_id": id})
	if err != nil {
		return errors.Trace(err)
	}
	defer cur.Close()

	type chunk struct {
		N    int    `bson:"n"`
		Data []byte `bson:"data"`
	}
	var chunks []chunk
	for {
		var c chunk
		if !cur.Next(&c) {
			break
		}
		chunks = append(chunks, c)
	}
	if err := cur.Err(); err != nil {
		return errors.Trace(err)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].N < chunks[j].N })

	h := md5.New()
	for _, c := range chunks {
		h.Write(c.Data)
	}
	reply := FileMD5Result{
		MD5:       hex.EncodeToString(h.Sum(nil)),
		NumChunks: len(chunks),
	}
	return decodeInto(reply, result)
}

// decodeInto converts v into result through the bson codec.
func decodeInto(v any, result any) error {
	if result == nil {
		return nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(bson.Unmarshal(raw, result))
}
