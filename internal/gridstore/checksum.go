package gridstore

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/maneesh/labgridfs/internal/docstore"
)

// Checksummer computes the digest recorded in a file's metadata from
// the chunks already committed under root.
type Checksummer interface {
	Checksum(ctx context.Context, filesID, root string) (string, error)
}

// ChecksumFunc adapts a function to Checksummer.
type ChecksumFunc func(ctx context.Context, filesID, root string) (string, error)

// Checksum implements Checksummer.
func (f ChecksumFunc) Checksum(ctx context.Context, filesID, root string) (string, error) {
	return f(ctx, filesID, root)
}

// CommandChecksummer asks the database for the digest with the filemd5
// command. Nothing is hashed locally.
type CommandChecksummer struct {
	DB docstore.Database
}

// Checksum implements Checksummer.
func (c CommandChecksummer) Checksum(ctx context.Context, filesID, root string) (string, error) {
	cmd := bson.D{
		{Name: docstore.FileMD5Command, Value: filesID},
		{Name: "root", Value: root},
	}
	var reply docstore.FileMD5Result
	if err := c.DB.RunCommand(ctx, cmd, &reply); err != nil {
		return "", errors.Trace(err)
	}
	if reply.MD5 == "" {
		return "", errors.Errorf("filemd5 for %q returned no digest", filesID)
	}
	return reply.MD5, nil
}
