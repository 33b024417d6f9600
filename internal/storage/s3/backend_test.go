package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gedserrors "github.com/objectfs/geds/pkg/errors"
)

// fakeS3 serves the path-style subset of the S3 API the backend uses.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	failAll int
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string][]byte)}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll != 0 {
		w.WriteHeader(f.failAll)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	switch {
	case key == "" && r.Method == http.MethodPut:
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodGet:
		f.list(w, r.URL.Query().Get("prefix"))
	case r.Method == http.MethodPut && r.Header.Get("x-amz-copy-source") != "":
		src, _ := url.PathUnescape(r.Header.Get("x-amz-copy-source"))
		src = strings.TrimPrefix(strings.TrimPrefix(src, "/"), f.bucket+"/")
		data, ok := f.objects[src]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		f.objects[key] = append([]byte(nil), data...)
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><CopyObjectResult><ETag>"etag"</ETag></CopyObjectResult>`)
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		f.get(w, r, key)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) get(w http.ResponseWriter, r *http.Request, key string) {
	data, ok := f.objects[key]
	if !ok {
		writeS3Error(w, http.StatusNotFound, "NoSuchKey")
		return
	}

	spec := strings.TrimPrefix(r.Header.Get("Range"), "bytes=")
	if spec == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
		return
	}

	startStr, endStr, _ := strings.Cut(spec, "-")
	start, _ := strconv.Atoi(startStr)
	end := len(data) - 1
	if endStr != "" {
		end, _ = strconv.Atoi(endStr)
	}
	if start >= len(data) {
		writeS3Error(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange")
		return
	}
	if end >= len(data) {
		end = len(data) - 1
	}

	w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(data[start : end+1])
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&b, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>",
		f.bucket, prefix, len(keys))
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(f.objects[k]))
	}
	b.WriteString(`</ListBucketResult>`)

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, b.String())
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func newTestBackend(t *testing.T) (*Backend, *fakeS3) {
	t.Helper()

	fake := newFakeS3("bucket")
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	cfg := &Config{
		Endpoint:        server.URL,
		Region:          "us-east-1",
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
		ForcePathStyle:  true,
		MaxRetries:      1,
		UseTransporter:  false,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := NewBackend(context.Background(), "bucket", cfg, logger)
	require.NoError(t, err)
	return backend, fake
}

func TestNewBackend_EmptyBucket(t *testing.T) {
	backend, err := NewBackend(context.Background(), "", &Config{Region: "us-east-1"}, nil)
	assert.Error(t, err)
	assert.Nil(t, backend)
	assert.Contains(t, err.Error(), "bucket name cannot be empty")
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := (&Config{Endpoint: "http://localhost:9000"}).withDefaults()

	assert.Equal(t, "http://localhost:9000", cfg.Endpoint)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, int64(64*1024*1024), cfg.MultipartThreshold)
	assert.Equal(t, 4, cfg.Concurrency)
}

func TestRangeSpec(t *testing.T) {
	assert.Equal(t, "bytes=0-9", rangeSpec(0, 10))
	assert.Equal(t, "bytes=5-", rangeSpec(5, 0))
}

func TestBackend_PutGetHead(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	payload := []byte("Hello World!")
	require.NoError(t, backend.Put(ctx, "dir/hello", bytes.NewReader(payload), int64(len(payload)), nil))

	data, err := backend.GetRange(ctx, "dir/hello", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	data, err = backend.GetRange(ctx, "dir/hello", 6, 5)
	require.NoError(t, err)
	assert.Equal(t, "World", string(data))

	info, err := backend.Head(ctx, "dir/hello")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size)

	metrics := backend.GetMetrics()
	assert.Equal(t, int64(len(payload)), metrics.BytesUploaded)
	assert.Equal(t, int64(len(payload)+5), metrics.BytesDownloaded)
	assert.Zero(t, metrics.Errors())
	assert.Equal(t, int64(2), metrics.Operations["GetObject"].Requests)
	assert.Equal(t, int64(1), metrics.Operations["HeadObject"].Requests)
}

func TestBackend_NotFound(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.GetRange(ctx, "missing", 0, 0)
	require.Error(t, err)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotFound), "got %v", err)

	_, err = backend.Head(ctx, "missing")
	require.Error(t, err)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotFound), "got %v", err)

	assert.NoError(t, backend.Delete(ctx, "missing"))
	metrics := backend.GetMetrics()
	assert.Zero(t, metrics.Errors())
	assert.Equal(t, int64(2), metrics.Misses())
}

func TestBackend_RangeBeyondEnd(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "k", bytes.NewReader([]byte("abc")), 3, nil))

	_, err := backend.GetRange(ctx, "k", 10, 1)
	require.Error(t, err)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeOutOfRange), "got %v", err)

	_, err = backend.GetRange(ctx, "k", -1, 1)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeOutOfRange))
}

func TestBackend_ListCopyDelete(t *testing.T) {
	backend, fake := newTestBackend(t)
	ctx := context.Background()

	for _, key := range []string{"a/1", "a/2", "b/1"} {
		require.NoError(t, backend.Put(ctx, key, bytes.NewReader([]byte(key)), int64(len(key)), nil))
	}

	objects, err := backend.List(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "a/1", objects[0].Key)
	assert.Equal(t, int64(3), objects[0].Size)

	require.NoError(t, backend.Copy(ctx, "a/1", "c/1"))
	data, err := backend.GetRange(ctx, "c/1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "a/1", string(data))

	require.NoError(t, backend.Delete(ctx, "a/1"))
	fake.mu.Lock()
	_, exists := fake.objects["a/1"]
	fake.mu.Unlock()
	assert.False(t, exists)
}

func TestBackend_CreateBucket(t *testing.T) {
	backend, _ := newTestBackend(t)
	assert.NoError(t, backend.CreateBucket(context.Background()))
}

func TestBackend_Unavailable(t *testing.T) {
	backend, fake := newTestBackend(t)
	fake.mu.Lock()
	fake.failAll = http.StatusServiceUnavailable
	fake.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := backend.Head(ctx, "k")
	require.Error(t, err)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeUnavailable), "got %v", err)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want gedserrors.ErrorCode
	}{
		{"canceled", context.Canceled, gedserrors.ErrCodeUnavailable},
		{"deadline", fmt.Errorf("op: %w", context.DeadlineExceeded), gedserrors.ErrCodeUnavailable},
		{"no response", errors.New("dial tcp: connection refused"), gedserrors.ErrCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateError(tt.err, "bucket", "GetObject", "k")
			assert.Equal(t, tt.want, gedserrors.CodeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
