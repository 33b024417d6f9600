package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
)

// Backend implements types.ObjectStore for one S3 bucket
type Backend struct {
	client      *s3.Client
	transporter *cargoships3.Transporter
	bucket      string
	config      *Config
	logger      *slog.Logger
	metrics     *metricsCollector
}

var _ types.ObjectStore = (*Backend)(nil)

// NewBackend creates a new S3 backend instance. It does not contact the
// store; the first request does.
func NewBackend(ctx context.Context, bucket string, cfg *Config, logger *slog.Logger) (*Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "s3-backend", "bucket", bucket)

	client, transporter, err := newClient(ctx, bucket, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Backend{
		client:      client,
		transporter: transporter,
		bucket:      bucket,
		config:      cfg,
		logger:      logger,
		metrics:     newMetricsCollector(),
	}, nil
}

// Bucket returns the bucket this backend serves
func (b *Backend) Bucket() string {
	return b.bucket
}

// GetRange reads size bytes at offset. A size of zero or less reads to the
// end of the object.
func (b *Backend) GetRange(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	if offset < 0 {
		return nil, gedserrors.OutOfRange("negative offset %d", offset)
	}

	start := time.Now()
	var rangeHeader *string
	if offset > 0 || size > 0 {
		rangeHeader = aws.String(rangeSpec(offset, size))
	}

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	})
	if err != nil {
		return nil, b.fail(start, err, "GetObject", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, b.fail(start, err, "GetObject", key)
	}

	b.metrics.record("GetObject", time.Since(start), nil)
	b.metrics.downloaded(int64(len(data)))
	return data, nil
}

func rangeSpec(offset, size int64) string {
	if size > 0 {
		return fmt.Sprintf("bytes=%d-%d", offset, offset+size-1)
	}
	return fmt.Sprintf("bytes=%d-", offset)
}

// Put uploads size bytes of body under key, through the CargoShip
// transporter when available.
func (b *Backend) Put(ctx context.Context, key string, body io.ReaderAt, size int64, metadata map[string]string) error {
	start := time.Now()

	if b.transporter != nil {
		result, err := b.transporter.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       io.NewSectionReader(body, 0, size),
			Size:         size,
			StorageClass: awsconfig.StorageClassStandard,
			Metadata:     metadata,
		})
		if err == nil {
			b.logger.Debug("CargoShip upload completed",
				"key", key,
				"size", size,
				"throughput", result.Throughput,
				"duration", result.Duration)
			b.metrics.record("PutObject", time.Since(start), nil)
			b.metrics.uploaded(size, true)
			return nil
		}
		if ctx.Err() != nil {
			return b.fail(start, ctx.Err(), "PutObject", key)
		}

		b.metrics.fallback()
		b.logger.Warn("CargoShip upload failed, falling back to PutObject", "key", key, "error", err)
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          io.NewSectionReader(body, 0, size),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      metadata,
	})
	if err != nil {
		return b.fail(start, err, "PutObject", key)
	}

	b.metrics.record("PutObject", time.Since(start), nil)
	b.metrics.uploaded(size, false)
	return nil
}

// Head retrieves metadata about an object
func (b *Backend) Head(ctx context.Context, key string) (*types.ObjectInfo, error) {
	start := time.Now()

	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.fail(start, err, "HeadObject", key)
	}
	b.metrics.record("HeadObject", time.Since(start), nil)

	info := &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
		Metadata:     make(map[string]string, len(result.Metadata)),
	}
	for k, v := range result.Metadata {
		info.Metadata[k] = v
	}

	return info, nil
}

// List returns every object whose key starts with prefix
func (b *Backend) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	start := time.Now()

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []types.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, b.fail(start, err, "ListObjectsV2", prefix)
		}
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}
	}

	b.metrics.record("ListObjectsV2", time.Since(start), nil)
	return objects, nil
}

// Copy copies srcKey to dstKey within the bucket
func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(url.PathEscape(b.bucket + "/" + srcKey)),
	})
	if err != nil {
		return b.fail(start, err, "CopyObject", srcKey)
	}

	b.metrics.record("CopyObject", time.Since(start), nil)
	return nil
}

// Delete removes an object. Deleting a missing key succeeds.
func (b *Backend) Delete(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		translated := b.fail(start, err, "DeleteObject", key)
		if gedserrors.IsCode(translated, gedserrors.ErrCodeNotFound) {
			return nil
		}
		return translated
	}

	b.metrics.record("DeleteObject", time.Since(start), nil)
	return nil
}

// CreateBucket creates the bucket in the store
func (b *Backend) CreateBucket(ctx context.Context) error {
	start := time.Now()

	_, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return b.fail(start, err, "CreateBucket", "")
	}

	b.metrics.record("CreateBucket", time.Since(start), nil)
	return nil
}

// GetMetrics returns current backend metrics
func (b *Backend) GetMetrics() BackendMetrics {
	return b.metrics.snapshot()
}

func (b *Backend) fail(start time.Time, err error, operation, key string) error {
	translated := translateError(err, b.bucket, operation, key)
	b.metrics.record(operation, time.Since(start), translated)
	return translated
}

func translateError(err error, bucket, operation, key string) error {
	var gerr *gedserrors.GedsError
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		gerr = gedserrors.NotFound("object %s/%s not found in store", bucket, key)
	case isErrorType[*s3types.NoSuchBucket](err):
		gerr = gedserrors.NotFound("bucket %s not found in store", bucket)
	case isErrorType[*s3types.BucketAlreadyOwnedByYou](err), isErrorType[*s3types.BucketAlreadyExists](err):
		gerr = gedserrors.AlreadyExists("bucket %s already exists in store", bucket)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		gerr = gedserrors.Unavailable("%s interrupted", operation)
	default:
		gerr = classifyResponse(err, bucket, operation)
	}

	gerr = gerr.WithComponent("s3").WithOperation(operation).WithCause(err)
	if key != "" {
		gerr = gerr.WithKey(key)
	}
	return gerr
}

func classifyResponse(err error, bucket, operation string) *gedserrors.GedsError {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return gedserrors.NotFound("%s: not found in %s", operation, bucket)
		case "InvalidRange":
			return gedserrors.OutOfRange("%s: range not satisfiable", operation)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusNotFound:
			return gedserrors.NotFound("%s: not found in %s", operation, bucket)
		case status == http.StatusRequestedRangeNotSatisfiable:
			return gedserrors.OutOfRange("%s: range not satisfiable", operation)
		case status >= 500, status == http.StatusTooManyRequests:
			return gedserrors.Unavailable("%s: store returned %d", operation, status)
		default:
			return gedserrors.Newf(gedserrors.ErrCodeInternal, "%s: store returned %d", operation, status)
		}
	}

	if apiErr != nil {
		return gedserrors.Newf(gedserrors.ErrCodeInternal, "%s failed: %s", operation, apiErr.ErrorCode())
	}

	// No response at all: dial, TLS or read failure
	return gedserrors.Unavailable("%s failed", operation)
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
