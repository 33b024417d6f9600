package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/utils"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()

	collector, err := NewCollector(&Config{
		Enabled:   true,
		Address:   "127.0.0.1:0",
		Namespace: "test",
	}, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return collector
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		collector := newTestCollector(t)
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil, nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Address != "0.0.0.0:4380" {
			t.Errorf("default address = %q, want %q", collector.config.Address, "0.0.0.0:4380")
		}
		if collector.config.Namespace != "geds" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "geds")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false}, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.registry != nil {
			t.Error("disabled collector should not have registry")
		}

		// every call is accepted and ignored
		collector.RecordOperation("read", time.Millisecond, 1, true)
		collector.RecordCacheHit("memory", 1)
		collector.RecordCacheMiss("memory", 1)
		collector.RecordEviction("memory", 1)
		collector.RecordRelocation(1, time.Millisecond, true)
		collector.RecordError("read", errors.New("boom"))
		collector.UpdateCacheSize("memory", 1)
		if len(collector.GetMetrics()) != 0 {
			t.Error("disabled collector recorded operations")
		}
		if err := collector.Start(context.Background()); err != nil {
			t.Errorf("Start() on disabled collector error = %v", err)
		}
	})
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.RecordOperation("read", 100*time.Millisecond, 1024, true)
	collector.RecordOperation("read", 300*time.Millisecond, 3072, true)
	collector.RecordOperation("read", 200*time.Millisecond, 0, false)

	op, exists := collector.GetMetrics()["read"]
	if !exists {
		t.Fatal("read operation not recorded")
	}
	if op.Count != 3 {
		t.Errorf("op.Count = %d, want 3", op.Count)
	}
	if op.Errors != 1 {
		t.Errorf("op.Errors = %d, want 1", op.Errors)
	}
	if op.AvgDuration != 200*time.Millisecond {
		t.Errorf("op.AvgDuration = %v, want 200ms", op.AvgDuration)
	}
	if op.TotalSize != 4096 {
		t.Errorf("op.TotalSize = %d, want 4096", op.TotalSize)
	}

	if got := testutil.ToFloat64(collector.operationCounter.WithLabelValues("read", "success")); got != 2 {
		t.Errorf("operations_total{success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.operationCounter.WithLabelValues("read", "error")); got != 1 {
		t.Errorf("operations_total{error} = %v, want 1", got)
	}
}

func TestRecordCacheAndRelocation(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.RecordCacheHit("memory", 4)
	collector.RecordCacheHit("memory", 4)
	collector.RecordCacheHit("storage", 4)
	collector.RecordCacheMiss("memory", 4)
	collector.RecordEviction("storage", 4)
	collector.UpdateCacheSize("memory", 8192)
	collector.RecordRelocation(100, time.Millisecond, true)
	collector.RecordRelocation(50, time.Millisecond, false)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"memory hits", testutil.ToFloat64(collector.cacheRequests.WithLabelValues("hit", "memory")), 2},
		{"storage hits", testutil.ToFloat64(collector.cacheRequests.WithLabelValues("hit", "storage")), 1},
		{"misses", testutil.ToFloat64(collector.cacheRequests.WithLabelValues("miss", "memory")), 1},
		{"evictions", testutil.ToFloat64(collector.cacheEvictions.WithLabelValues("storage")), 1},
		{"memory size", testutil.ToFloat64(collector.cacheSizeGauge.WithLabelValues("memory")), 8192},
		{"relocations ok", testutil.ToFloat64(collector.relocations.WithLabelValues("success")), 1},
		{"relocations failed", testutil.ToFloat64(collector.relocations.WithLabelValues("error")), 1},
		{"relocated bytes", testutil.ToFloat64(collector.relocatedBytes), 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestRecordError(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.RecordError("open", gedserrors.NotFound("missing"))
	collector.RecordError("open", gedserrors.Wrap(context.DeadlineExceeded, gedserrors.ErrCodeInternal, "slow"))
	collector.RecordError("open", errors.New("plain"))
	collector.RecordError("open", nil)

	tests := []struct {
		code string
		want float64
	}{
		{"NOT_FOUND", 1},
		{"UNAVAILABLE", 1},
		{"INTERNAL", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(collector.errorCounter.WithLabelValues("open", tt.code)); got != tt.want {
			t.Errorf("errors_total{code=%s} = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestResetMetrics(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.RecordOperation("write", time.Millisecond, 10, true)
	collector.ResetMetrics()

	if len(collector.GetMetrics()) != 0 {
		t.Error("ResetMetrics() kept operation summaries")
	}
	if got := testutil.ToFloat64(collector.operationCounter.WithLabelValues("write", "success")); got != 1 {
		t.Errorf("prometheus counter = %v, want 1 after reset", got)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.RecordOperation("seal", time.Millisecond, 12, true)
	handler := collector.Handler()

	tests := []struct {
		path string
		want string
	}{
		{"/metrics", `test_operations_total{operation="seal",status="success"} 1`},
		{"/health", `"status":"healthy"`},
		{"/debug/operations", "seal"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body does not contain %q:\n%s", tt.want, rec.Body.String())
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	ctx := context.Background()
	if err := collector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := http.Get("http://" + collector.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "geds-metrics") {
		t.Errorf("unexpected health body %q", body)
	}

	if err := collector.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := collector.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestStartAddressInUse(t *testing.T) {
	t.Parallel()

	first := newTestCollector(t)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = first.Stop(context.Background()) }()

	second, err := NewCollector(&Config{Enabled: true, Address: first.Addr()}, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	err = second.Start(context.Background())
	if !gedserrors.IsCode(err, gedserrors.ErrCodeUnavailable) {
		t.Errorf("Start() on a bound address error = %v, want UNAVAILABLE", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	if err := collector.Stop(context.Background()); err != nil {
		t.Errorf("Stop() without Start() error = %v", err)
	}
	if collector.Addr() != "" {
		t.Errorf("Addr() before Start() = %q, want empty", collector.Addr())
	}
}
