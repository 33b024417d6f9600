package geds

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/geds/internal/config"
	"github.com/objectfs/geds/internal/metadata/memory"
	"github.com/objectfs/geds/internal/storage/memstore"
	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

// stores hands out one memstore per bucket, shared by every client of a
// test.
type stores struct {
	mu      sync.Mutex
	buckets map[string]*memstore.Store
}

func newStores() *stores {
	return &stores{buckets: make(map[string]*memstore.Store)}
}

func (s *stores) factory(_ context.Context, cfg types.ObjectStoreConfig) (types.ObjectStore, error) {
	return s.get(cfg.Bucket), nil
}

func (s *stores) get(bucket string) *memstore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.buckets[bucket]
	if !ok {
		store = memstore.New(bucket)
		s.buckets[bucket] = store
	}
	return store
}

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()

	cfg := config.NewDefault()
	cfg.MetadataBackend = config.MetadataBackendMemory
	cfg.LocalStoragePath = filepath.Join(t.TempDir(), "GEDS_XXXXXX")
	cfg.PortHTTPServer = 0
	cfg.CacheBlockSize = 16
	cfg.AvailableLocalMemory = 1024
	cfg.AvailableLocalStorage = 1024
	cfg.RelocationInterval = time.Hour
	cfg.Logging.Level = "ERROR"
	return cfg
}

type harness struct {
	server *memory.Server
	stores *stores
}

func newHarness() *harness {
	return &harness{
		server: memory.NewServer(utils.DiscardLogger()),
		stores: newStores(),
	}
}

func (h *harness) client(t *testing.T, node string, cfg *config.Configuration, opts ...Option) *Client {
	t.Helper()

	if cfg == nil {
		cfg = testConfig(t)
	}
	opts = append([]Option{
		WithLogger(utils.DiscardLogger()),
		WithMemoryServer(h.server),
		WithStoreFactory(h.stores.factory),
		WithNodeID(node),
	}, opts...)

	c, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		if c.state.Load() == stateStarted {
			_ = c.Stop(context.Background())
		}
	})
	return c
}

// registerStore binds bucket to its memstore.
func registerStore(t *testing.T, c *Client, bucket string) {
	t.Helper()
	require.NoError(t, c.RegisterObjectStoreConfig(context.Background(), types.ObjectStoreConfig{
		Bucket:      bucket,
		EndpointURL: "http://localhost:9000",
	}))
}

// writeSealed creates bucket/key with data and seals it.
func writeSealed(t *testing.T, c *Client, bucket, key, data string) {
	t.Helper()
	ctx := context.Background()

	f, err := c.Create(ctx, bucket, key, true)
	require.NoError(t, err)
	require.NoError(t, f.Write(ctx, []byte(data), 0))
	require.NoError(t, f.Seal(ctx))
	require.NoError(t, f.Close())
}

func readAll(t *testing.T, f *File) string {
	t.Helper()
	buf := make([]byte, f.Size())
	n, err := f.Read(context.Background(), buf, 0)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNew_InvalidConfiguration(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheBlockSize = 0

	_, err := New(cfg)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeInvalidArgument))
}

func TestClient_NotStarted(t *testing.T) {
	ctx := context.Background()
	c, err := New(testConfig(t), WithLogger(utils.DiscardLogger()))
	require.NoError(t, err)

	err = c.CreateBucket(ctx, "b")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotStarted))
	_, err = c.Open(ctx, "b", "k")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotStarted))
	assert.True(t, gedserrors.IsCode(c.Stop(ctx), gedserrors.ErrCodeNotStarted))
}

func TestClient_Lifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	c := h.client(t, "node-a", nil)

	dir := c.localDir
	assert.DirExists(t, dir)
	assert.Equal(t, "node-a", c.Node())
	assert.NotNil(t, c.Metrics())

	err := c.Start(ctx)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeInvalidState))

	require.NoError(t, c.CreateBucket(ctx, "b"))
	f, err := c.Create(ctx, "b", "k", false)
	require.NoError(t, err)

	require.NoError(t, c.Stop(ctx))
	assert.NoDirExists(t, dir)

	err = f.Write(ctx, []byte("x"), 0)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotStarted))
	err = c.CreateBucket(ctx, "c")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotStarted))

	// a stopped client can be started again
	require.NoError(t, c.Start(ctx))
	st, err := c.Status(ctx, "b", "")
	require.NoError(t, err)
	assert.True(t, st.IsDirectory)
	require.NoError(t, c.Stop(ctx))
}

func TestClient_StopForcesRelocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	cfg := testConfig(t)
	cfg.ForceRelocationWhenStopping = true
	c := h.client(t, "node-a", cfg)

	registerStore(t, c, "s")
	writeSealed(t, c, "s", "k", "durable")
	require.NoError(t, c.Stop(ctx))

	data, err := h.stores.get("s").GetRange(ctx, "k", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "durable", string(data))
}

func TestClient_StoreConfigsAreShared(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	a := h.client(t, "node-a", nil)
	registerStore(t, a, "s")

	b := h.client(t, "node-b", nil)
	cfgs, err := b.ObjectStoreConfigs()
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "s", cfgs[0].Bucket)

	require.NoError(t, a.RegisterObjectStoreConfig(ctx, types.ObjectStoreConfig{Bucket: "t", EndpointURL: "http://other:9000"}))
	require.NoError(t, b.SyncObjectStoreConfigs(ctx))
	cfgs, err = b.ObjectStoreConfigs()
	require.NoError(t, err)
	assert.Len(t, cfgs, 2)
}

func TestClient_Subscriptions(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	var mu sync.Mutex
	var seen []types.Event
	cfg := testConfig(t)
	cfg.PubSubEnabled = true
	b := h.client(t, "node-b", cfg, WithEventHandler(func(ev types.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	}))
	a := h.client(t, "node-a", nil)

	require.NoError(t, a.CreateBucket(ctx, "b"))
	require.NoError(t, b.Subscribe(ctx, "b", "", types.SubscriptionBucket))
	writeSealed(t, a, "b", "k", "data")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range seen {
			if ev.Key == "k" && ev.Kind == types.EventSealed && ev.Node == "node-a" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Unsubscribe(ctx, "b", ""))
}

func TestClient_SubscribeWithoutPubSub(t *testing.T) {
	c := newHarness().client(t, "node-a", nil)
	err := c.Subscribe(context.Background(), "b", "", types.SubscriptionBucket)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeInvalidState))
}

func TestClient_CacheStats(t *testing.T) {
	ctx := context.Background()
	c := newHarness().client(t, "node-a", nil)
	require.NoError(t, c.CreateBucket(ctx, "b"))
	writeSealed(t, c, "b", "k", "0123456789abcdef0123")

	stats, err := c.CacheStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Blocks)
	assert.Positive(t, stats.MemoryUsed)
}
