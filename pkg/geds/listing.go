package geds

import (
	"context"
	"sort"
	"time"

	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

// prefixOperations exposes the single-key primitives to the prefix engine.
type prefixOperations struct {
	c *Client
}

func (p prefixOperations) List(ctx context.Context, bucket, prefix string) ([]types.FileStatus, error) {
	return p.c.listKeys(ctx, bucket, prefix)
}

func (p prefixOperations) Delete(ctx context.Context, bucket, key string) error {
	return p.c.deleteObject(ctx, bucket, key)
}

func (p prefixOperations) Rename(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	return p.c.rename(ctx, srcBucket, srcKey, dstBucket, dstKey)
}

func (p prefixOperations) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	return p.c.copy(ctx, srcBucket, srcKey, dstBucket, dstKey)
}

// listKeys returns the sealed keys under prefix, merged with the keys that
// only exist in the bucket's object store.
func (c *Client) listKeys(ctx context.Context, bucket, prefix string) ([]types.FileStatus, error) {
	records, err := c.meta.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(records))
	out := make([]types.FileStatus, 0, len(records))
	for _, rec := range records {
		known[rec.Key] = true
		if rec.Sealed {
			out = append(out, types.FileStatus{Key: rec.Key, Size: rec.Size})
		}
	}

	if c.stores.Has(bucket) {
		store, err := c.stores.Store(ctx, bucket)
		if err != nil {
			return nil, err
		}
		objects, err := store.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			if !known[obj.Key] {
				out = append(out, types.FileStatus{Key: obj.Key, Size: obj.Size})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// List returns every sealed object whose key starts with prefix. Markers
// are reported as directories.
func (c *Client) List(ctx context.Context, bucket, prefix string) (entries []types.FileStatus, err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("list", start, int64(len(entries)), err) }()

	if err := utils.ValidateBucket(bucket); err != nil {
		return nil, err
	}
	return c.prefixes.List(ctx, bucket, prefix)
}

// ListFolder lists the direct children of a folder.
func (c *Client) ListFolder(ctx context.Context, bucket, prefix string) (entries []types.FileStatus, err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("list_folder", start, int64(len(entries)), err) }()

	if err := utils.ValidateBucket(bucket); err != nil {
		return nil, err
	}
	return c.prefixes.ListFolder(ctx, bucket, prefix)
}

// DeleteObjectPrefix deletes every object under prefix. A failure stops the
// remaining deletes and is reported as PARTIAL_FAILURE.
func (c *Client) DeleteObjectPrefix(ctx context.Context, bucket, prefix string) (err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("delete_prefix", start, 0, err) }()

	if err := utils.ValidateBucket(bucket); err != nil {
		return err
	}
	return c.prefixes.DeletePrefix(ctx, bucket, prefix)
}

// RenamePrefix renames every object under srcPrefix to the same suffix
// under dstPrefix.
func (c *Client) RenamePrefix(ctx context.Context, srcBucket, srcPrefix, dstBucket, dstPrefix string) (err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("rename_prefix", start, 0, err) }()

	if err := validatePrefixPair(srcBucket, srcPrefix, dstBucket, dstPrefix); err != nil {
		return err
	}
	return c.prefixes.RenamePrefix(ctx, srcBucket, srcPrefix, dstBucket, dstPrefix)
}

// CopyPrefix copies every object under srcPrefix to the same suffix under
// dstPrefix.
func (c *Client) CopyPrefix(ctx context.Context, srcBucket, srcPrefix, dstBucket, dstPrefix string) (err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("copy_prefix", start, 0, err) }()

	if err := validatePrefixPair(srcBucket, srcPrefix, dstBucket, dstPrefix); err != nil {
		return err
	}
	return c.prefixes.CopyPrefix(ctx, srcBucket, srcPrefix, dstBucket, dstPrefix)
}

func validatePrefixPair(srcBucket, srcPrefix, dstBucket, dstPrefix string) error {
	if err := utils.ValidateBucket(srcBucket); err != nil {
		return err
	}
	if err := utils.ValidateBucket(dstBucket); err != nil {
		return err
	}
	if srcBucket == dstBucket && srcPrefix == dstPrefix {
		return gedserrors.InvalidArgument("source and destination prefix are the same")
	}
	return nil
}
