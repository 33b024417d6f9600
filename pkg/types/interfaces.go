package types

import (
	"context"
	"io"
	"time"
)

// ObjectStore defines the operations GEDS needs from one bucket of an
// S3-compatible store. Put reads body from offset 0 to size and may read it
// more than once.
type ObjectStore interface {
	GetRange(ctx context.Context, key string, offset, size int64) ([]byte, error)
	Put(ctx context.Context, key string, body io.ReaderAt, size int64, metadata map[string]string) error
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
	CreateBucket(ctx context.Context) error
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(tier string, size int64)
	RecordCacheMiss(tier string, size int64)
	RecordEviction(tier string, size int64)
	RecordRelocation(bytes int64, duration time.Duration, success bool)
	RecordError(operation string, err error)
	UpdateCacheSize(tier string, size int64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool) {}
func (NopMetrics) RecordCacheHit(string, int64) {}
func (NopMetrics) RecordCacheMiss(string, int64) {}
func (NopMetrics) RecordEviction(string, int64) {}
func (NopMetrics) RecordRelocation(int64, time.Duration, bool) {}
func (NopMetrics) RecordError(string, error) {}
func (NopMetrics) UpdateCacheSize(string, int64) {}
