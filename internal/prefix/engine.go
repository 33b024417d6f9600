// Package prefix implements listing and bulk mutation over a key prefix.
// Directories are simulated with marker keys ending in "/_$folder$". Bulk
// operations resolve the key set first and then apply the single-key
// primitive to each key; they are not transactional.
package prefix

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

// Operations are the single-key primitives the engine builds on.
type Operations interface {
	// List returns every visible key of bucket starting with prefix,
	// markers included, sorted by key.
	List(ctx context.Context, bucket, prefix string) ([]types.FileStatus, error)
	Delete(ctx context.Context, bucket, key string) error
	Rename(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
}

// Engine runs prefix operations with bounded concurrency.
type Engine struct {
	ops         Operations
	concurrency int
	metrics     types.MetricsCollector
	logger      *slog.Logger
}

// New creates an engine running at most concurrency single-key operations
// at a time.
func New(ops Operations, concurrency int, metrics types.MetricsCollector, logger *slog.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = 16
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ops:         ops,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger.With("component", "prefix"),
	}
}

// List returns every key starting with prefix. Markers are reported as
// directories named after their folder.
func (e *Engine) List(ctx context.Context, bucket, prefix string) ([]types.FileStatus, error) {
	entries, err := e.ops.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}

	out := make([]types.FileStatus, 0, len(entries))
	for _, entry := range entries {
		if utils.IsMarker(entry.Key) {
			folder := utils.MarkerFolder(entry.Key)
			if folder == "" {
				continue
			}
			out = append(out, types.FileStatus{Key: folder, IsDirectory: true})
			continue
		}
		out = append(out, entry)
	}
	sortStatuses(out)
	return out, nil
}

// ListFolder lists one level below prefix: files directly inside the folder
// and one directory entry per sub-folder, whether it has a marker or only
// deeper keys. The folder's own marker is not listed.
func (e *Engine) ListFolder(ctx context.Context, bucket, prefix string) ([]types.FileStatus, error) {
	folder := utils.FolderPrefix(prefix)
	entries, err := e.ops.List(ctx, bucket, folder)
	if err != nil {
		return nil, err
	}

	dirs := make(map[string]bool)
	var out []types.FileStatus
	for _, entry := range entries {
		rest := strings.TrimPrefix(entry.Key, folder)
		if rest == utils.FolderMarker || rest == "" {
			continue
		}
		child, _, nested := strings.Cut(rest, utils.Delimiter)
		if !nested {
			out = append(out, entry)
			continue
		}
		name := folder + child
		if !dirs[name] {
			dirs[name] = true
			out = append(out, types.FileStatus{Key: name, IsDirectory: true})
		}
	}
	sortStatuses(out)
	return out, nil
}

// IsFolder reports whether path names a folder: its marker or any key
// below it exists.
func (e *Engine) IsFolder(ctx context.Context, bucket, path string) (bool, error) {
	folder := utils.FolderPrefix(path)
	if folder == "" {
		return true, nil
	}
	entries, err := e.ops.List(ctx, bucket, folder)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// DeletePrefix deletes every key starting with prefix. An empty key set is
// not an error.
func (e *Engine) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	keys, err := e.resolve(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return e.apply(ctx, "delete_prefix", keys, func(ctx context.Context, key string) error {
		return e.ops.Delete(ctx, bucket, key)
	})
}

// RenamePrefix moves every key under srcPrefix to dstPrefix followed by the
// rest of the key.
func (e *Engine) RenamePrefix(ctx context.Context, srcBucket, srcPrefix, dstBucket, dstPrefix string) error {
	keys, err := e.resolve(ctx, srcBucket, srcPrefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return gedserrors.NotFound("no keys under %s", utils.Identifier(srcBucket, srcPrefix)).
			WithOperation("rename_prefix")
	}
	return e.apply(ctx, "rename_prefix", keys, func(ctx context.Context, key string) error {
		return e.ops.Rename(ctx, srcBucket, key, dstBucket, dstPrefix+strings.TrimPrefix(key, srcPrefix))
	})
}

// CopyPrefix copies every key under srcPrefix to dstPrefix followed by the
// rest of the key.
func (e *Engine) CopyPrefix(ctx context.Context, srcBucket, srcPrefix, dstBucket, dstPrefix string) error {
	keys, err := e.resolve(ctx, srcBucket, srcPrefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return gedserrors.NotFound("no keys under %s", utils.Identifier(srcBucket, srcPrefix)).
			WithOperation("copy_prefix")
	}
	return e.apply(ctx, "copy_prefix", keys, func(ctx context.Context, key string) error {
		return e.ops.Copy(ctx, srcBucket, key, dstBucket, dstPrefix+strings.TrimPrefix(key, srcPrefix))
	})
}

func (e *Engine) resolve(ctx context.Context, bucket, prefix string) ([]string, error) {
	entries, err := e.ops.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Key)
	}
	return keys, nil
}

// keyError remembers which key a sub-operation failed on.
type keyError struct {
	key string
	err error
}

func (k *keyError) Error() string { return k.key + ": " + k.err.Error() }
func (k *keyError) Unwrap() error { return k.err }

func (e *Engine) apply(ctx context.Context, operation string, keys []string, fn func(context.Context, string) error) error {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	var completed atomic.Int64
	for _, key := range keys {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &keyError{key: key, err: err}
			}
			if err := fn(gctx, key); err != nil {
				return &keyError{key: key, err: err}
			}
			completed.Add(1)
			return nil
		})
	}

	err := g.Wait()
	done := int(completed.Load())
	if err == nil && done < len(keys) {
		// canceled before every key was scheduled
		err = ctx.Err()
	}
	e.metrics.RecordOperation(operation, time.Since(start), int64(done), err == nil)
	if err == nil {
		e.logger.Debug("prefix operation completed", "operation", operation, "keys", done)
		return nil
	}

	var failed *keyError
	key := ""
	cause := err
	if errors.As(err, &failed) {
		key, cause = failed.key, failed.err
	}
	e.logger.Warn("prefix operation stopped",
		"operation", operation,
		"key", key,
		"completed", done,
		"total", len(keys),
		"error", cause)
	return gedserrors.PartialFailure(operation, key, done, cause)
}

func sortStatuses(s []types.FileStatus) {
	sort.Slice(s, func(i, j int) bool { return s[i].Key < s[j].Key })
}
