// Package metadata defines the session GEDS keeps with the metadata service.
// The service is the source of truth for buckets, object records and the
// object store configs shared by every client. Two implementations exist:
// memory (in-process, used for tests and single-node setups) and redis.
package metadata

import (
	"context"
	"time"

	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

// Location tells where the bytes of an object live.
type Location string

const (
	// LocationLocal means the bytes are only in the cache of Object.Node
	LocationLocal Location = "local"
	// LocationStore means the bytes are durable in the bucket's object store
	LocationStore Location = "store"
)

// Object is the record the metadata service keeps per key.
type Object struct {
	Bucket      string    `json:"bucket" cbor:"bucket"`
	Key         string    `json:"key" cbor:"key"`
	Size        int64     `json:"size" cbor:"size"`
	Sealed      bool      `json:"sealed" cbor:"sealed"`
	Metadata    string    `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	HasMetadata bool      `json:"has_metadata" cbor:"has_metadata"`
	Location    Location  `json:"location" cbor:"location"`
	Node        string    `json:"node,omitempty" cbor:"node,omitempty"`
	Generation  uint64    `json:"generation" cbor:"generation"`
	ModifiedAt  time.Time `json:"modified_at" cbor:"modified_at"`
}

// Identifier returns the bucket-qualified name of the object.
func (o Object) Identifier() string {
	return utils.Identifier(o.Bucket, o.Key)
}

// CheckUpdate fails with INVALID_STATE unless obj may replace prev: the
// generations must match, and a sealed record keeps its seal, size and
// metadata.
func CheckUpdate(prev, obj Object) error {
	if prev.Generation != obj.Generation {
		return gedserrors.InvalidState("object %s/%s was replaced", obj.Bucket, obj.Key).
			WithComponent("metadata").
			WithKey(obj.Key).
			WithDetail("generation", prev.Generation)
	}
	if prev.Sealed && (!obj.Sealed || obj.Size != prev.Size ||
		obj.Metadata != prev.Metadata || obj.HasMetadata != prev.HasMetadata) {
		return gedserrors.InvalidState("object %s/%s is sealed", obj.Bucket, obj.Key).
			WithComponent("metadata").
			WithKey(obj.Key)
	}
	return nil
}

// Client is a session with the metadata service. Implementations are safe
// for concurrent use.
//
// Every record carries a Generation assigned when it is created (or
// overwritten, copied or renamed into place). UpdateObject compares it
// against the stored record so that a handle on a replaced object fails with
// INVALID_STATE instead of clobbering the new one.
type Client interface {
	CreateBucket(ctx context.Context, bucket string) error
	LookupBucket(ctx context.Context, bucket string) error
	ListBuckets(ctx context.Context) ([]string, error)

	// CreateObject stores obj under a new generation. An existing record
	// fails with ALREADY_EXISTS unless overwrite is set.
	CreateObject(ctx context.Context, obj Object, overwrite bool) (Object, error)
	// UpdateObject replaces the record if its generation still matches.
	UpdateObject(ctx context.Context, obj Object) (Object, error)
	Lookup(ctx context.Context, bucket, key string) (Object, error)
	Delete(ctx context.Context, bucket, key string) error
	// List returns the records whose key starts with prefix, sorted by key.
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	// Rename atomically moves a record, overwriting the destination.
	Rename(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (Object, error)

	RegisterObjectStoreConfig(ctx context.Context, cfg types.ObjectStoreConfig) error
	ListObjectStoreConfigs(ctx context.Context) ([]types.ObjectStoreConfig, error)

	// Watch asks for the events of bucket to be delivered on Events.
	Watch(ctx context.Context, bucket string) error
	Unwatch(ctx context.Context, bucket string) error
	Events() <-chan types.Event

	Close() error
}
