package chunker

import (
	"fmt"
	"io"
)

// ChunkFunc receives each window read from the stream, in order.
// The data slice is only valid for the duration of the call.
type ChunkFunc func(n int, data []byte) error

// Chunker splits a stream into fixed-size windows
type Chunker struct {
	chunkSize int
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int) *Chunker {
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the window size in bytes.
func (c *Chunker) ChunkSize() int {
	return c.chunkSize
}

// ChunkStream reads from reader in windows of the chunk size and hands
// every non-empty window to fn with a sequential index starting at 0.
// Every window except possibly the last is exactly the chunk size.
// It returns the total number of bytes read. Errors from the reader or
// from fn stop the stream and are returned as is.
func (c *Chunker) ChunkStream(reader io.Reader, fn ChunkFunc) (int64, error) {
	if c.chunkSize <= 0 {
		return 0, fmt.Errorf("invalid chunk size %d", c.chunkSize)
	}

	var totalSize int64
	buffer := make([]byte, c.chunkSize)
	for n := 0; ; n++ {
		read, err := io.ReadFull(reader, buffer)
		if read > 0 {
			if ferr := fn(n, buffer[:read]); ferr != nil {
				return totalSize, ferr
			}
			totalSize += int64(read)
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return totalSize, nil
		} else if err != nil {
			return totalSize, err
		}
	}
}

// ChunkCount returns ceil(length / chunkSize), or 0 for an empty stream.
func ChunkCount(length int64, chunkSize int) int {
	if length <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((length + int64(chunkSize) - 1) / int64(chunkSize))
}
