package s3

import (
	"sync"
	"time"

	gedserrors "github.com/objectfs/geds/pkg/errors"
)

// OperationStats counts the calls of one S3 API operation.
type OperationStats struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`

	// Misses are NotFound answers. GEDS probes keys that may not exist, so
	// they are not errors.
	Misses         int64         `json:"misses"`
	AverageLatency time.Duration `json:"average_latency"`
}

// BackendMetrics is a snapshot of the traffic of one backend.
type BackendMetrics struct {
	Operations map[string]OperationStats `json:"operations"`

	BytesUploaded      int64 `json:"bytes_uploaded"`
	BytesDownloaded    int64 `json:"bytes_downloaded"`
	TransporterUploads int64 `json:"transporter_uploads"`
	FallbackEvents     int64 `json:"fallback_events"`

	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
}

// Errors returns the failed requests over all operations.
func (m BackendMetrics) Errors() int64 {
	var n int64
	for _, op := range m.Operations {
		n += op.Errors
	}
	return n
}

// Misses returns the NotFound answers over all operations.
func (m BackendMetrics) Misses() int64 {
	var n int64
	for _, op := range m.Operations {
		n += op.Misses
	}
	return n
}

type metricsCollector struct {
	mu         sync.Mutex
	operations map[string]*OperationStats
	totals     BackendMetrics
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{operations: make(map[string]*OperationStats)}
}

// record counts one call of operation. err is the translated error.
func (mc *metricsCollector) record(operation string, duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	op, ok := mc.operations[operation]
	if !ok {
		op = &OperationStats{}
		mc.operations[operation] = op
	}
	op.Requests++
	switch {
	case err == nil:
	case gedserrors.IsCode(err, gedserrors.ErrCodeNotFound):
		op.Misses++
	default:
		op.Errors++
		mc.totals.LastError = err.Error()
		mc.totals.LastErrorTime = time.Now()
	}

	// exponential moving average, weight 1/10
	if op.Requests == 1 {
		op.AverageLatency = duration
	} else {
		op.AverageLatency = (op.AverageLatency*9 + duration) / 10
	}
}

func (mc *metricsCollector) uploaded(bytes int64, viaTransporter bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.totals.BytesUploaded += bytes
	if viaTransporter {
		mc.totals.TransporterUploads++
	}
}

func (mc *metricsCollector) downloaded(bytes int64) {
	mc.mu.Lock()
	mc.totals.BytesDownloaded += bytes
	mc.mu.Unlock()
}

func (mc *metricsCollector) fallback() {
	mc.mu.Lock()
	mc.totals.FallbackEvents++
	mc.mu.Unlock()
}

func (mc *metricsCollector) snapshot() BackendMetrics {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	out := mc.totals
	out.Operations = make(map[string]OperationStats, len(mc.operations))
	for name, op := range mc.operations {
		out.Operations[name] = *op
	}
	return out
}
