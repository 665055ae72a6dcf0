package models

import "time"

// File is the metadata record describing one stored file. Its presence
// in the files collection means every chunk of the file is committed.
type File struct {
	ID         string    `bson:"_id" json:"id"`
	Filename   string    `bson:"filename" json:"filename"`
	Length     int64     `bson:"length" json:"length"`
	ChunkSize  int       `bson:"chunkSize" json:"chunk_size"`
	UploadDate time.Time `bson:"uploadDate" json:"upload_date"`
	MD5        string    `bson:"md5" json:"md5"`
}

// Chunk represents a chunk of a file
type Chunk struct {
	ID      string `bson:"_id" json:"id"`
	FilesID string `bson:"files_id" json:"files_id"`
	N       int    `bson:"n" json:"n"`
	Data    []byte `bson:"data" json:"-"`
}
