package types

import (
	"time"
)

// FileStatus describes a key returned by status and listing calls
type FileStatus struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	IsDirectory bool   `json:"is_directory"`
}

// ObjectInfo represents metadata about an object in a backing store
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag"`
	Metadata     map[string]string `json:"metadata"`
}

// ObjectStoreConfig binds a bucket to an S3-compatible endpoint
type ObjectStoreConfig struct {
	Bucket      string `json:"bucket" cbor:"bucket"`
	EndpointURL string `json:"endpoint_url" cbor:"endpoint_url"`
	AccessKey   string `json:"access_key" cbor:"access_key"`
	SecretKey   string `json:"secret_key" cbor:"secret_key"`
}

// CacheStats represents sparse cache statistics
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Demotions uint64 `json:"demotions"`

	MemoryUsed      int64 `json:"memory_used"`
	MemoryCapacity  int64 `json:"memory_capacity"`
	StorageUsed     int64 `json:"storage_used"`
	StorageCapacity int64 `json:"storage_capacity"`

	Blocks      int     `json:"blocks"`
	DirtyBlocks int     `json:"dirty_blocks"`
	HitRate     float64 `json:"hit_rate"`
}

// EventKind names what happened to an object
type EventKind string

const (
	EventCreated EventKind = "created"
	EventSealed  EventKind = "sealed"
	EventDeleted EventKind = "deleted"
	EventRenamed EventKind = "renamed"
)

// Event is a change notification published by the metadata service
type Event struct {
	Bucket string    `json:"bucket" cbor:"bucket"`
	Key    string    `json:"key" cbor:"key"`
	Kind   EventKind `json:"kind" cbor:"kind"`
	Size   int64     `json:"size" cbor:"size"`
	Node   string    `json:"node,omitempty" cbor:"node,omitempty"`
}
