package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
)

// Collector records client metrics into a private prometheus registry and
// serves them over HTTP.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	operationCounter   *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	operationSize      *prometheus.HistogramVec
	cacheRequests      *prometheus.CounterVec
	cacheEvictions     *prometheus.CounterVec
	cacheSizeGauge     *prometheus.GaugeVec
	relocations        *prometheus.CounterVec
	relocatedBytes     prometheus.Counter
	relocationDuration prometheus.Histogram
	errorCounter       *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server   *http.Server
	listener net.Listener
}

var _ types.MetricsCollector = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address is the host:port of the HTTP endpoint. Port 0 picks a free
	// port.
	Address   string            `yaml:"address"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`

	// GoCollector adds Go runtime and process metrics.
	GoCollector bool `yaml:"go_collector"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Address:     "0.0.0.0:4380",
		Path:        "/metrics",
		Namespace:   "geds",
		GoCollector: true,
		Labels:      make(map[string]string),
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a collector. A disabled collector accepts every call
// and records nothing.
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		config:     config,
		logger:     logger.With("component", "metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Handler returns the HTTP handler with the prometheus, health and debug
// endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start binds the metrics endpoint and serves it in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", c.config.Address)
	if err != nil {
		return gedserrors.Unavailable("listen on %s", c.config.Address).
			WithComponent("metrics").
			WithCause(err)
	}

	server := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	c.mu.Lock()
	c.server = server
	c.listener = listener
	c.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server stopped", "error", err)
		}
	}()

	c.logger.Info("metrics endpoint started", "address", listener.Addr().String(), "path", c.config.Path)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	metrics.AvgSize = float64(metrics.TotalSize) / float64(metrics.Count)
	c.mu.Unlock()

	c.operationCounter.WithLabelValues(operation, status(success)).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RecordCacheHit records a read served by tier
func (c *Collector) RecordCacheHit(tier string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues("hit", tier).Inc()
}

// RecordCacheMiss records a read that had to go to the store
func (c *Collector) RecordCacheMiss(tier string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues("miss", tier).Inc()
}

// RecordEviction records a block dropped from tier
func (c *Collector) RecordEviction(tier string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheEvictions.WithLabelValues(tier).Inc()
}

// RecordRelocation records one object upload
func (c *Collector) RecordRelocation(bytes int64, duration time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}
	c.relocations.WithLabelValues(status(success)).Inc()
	c.relocationDuration.Observe(duration.Seconds())
	if success {
		c.relocatedBytes.Add(float64(bytes))
	}
}

// RecordError records an error by its code
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(operation, classifyError(err)).Inc()
}

// UpdateCacheSize sets the residency of tier
func (c *Collector) UpdateCacheSize(tier string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheSizeGauge.WithLabelValues(tier).Set(float64(size))
}

// GetMetrics returns a copy of the per-operation summaries
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the per-operation summaries. Prometheus counters keep
// counting.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Registry exposes the registry, e.g. to add gauges computed at scrape time.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	labels := prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "operations_total",
			Help:        "Total number of client operations",
			ConstLabels: labels,
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "operation_duration_seconds",
			Help:        "Duration of client operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 18), // 100µs to ~13s
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "operation_size_bytes",
			Help:        "Size of client operations in bytes",
			Buckets:     prometheus.ExponentialBuckets(64, 4, 14), // 64B to ~4GB
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "requests_total",
			Help:        "Block reads by result and tier",
			ConstLabels: labels,
		},
		[]string{"type", "tier"},
	)

	c.cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Blocks evicted per tier",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.cacheSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "size_bytes",
			Help:        "Bytes charged against each tier budget",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.relocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "relocation",
			Name:        "objects_total",
			Help:        "Objects uploaded to their backing store",
			ConstLabels: labels,
		},
		[]string{"status"},
	)

	c.relocatedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "relocation",
			Name:        "bytes_total",
			Help:        "Bytes uploaded to backing stores",
			ConstLabels: labels,
		},
	)

	c.relocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "relocation",
			Name:        "duration_seconds",
			Help:        "Duration of object uploads in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
			ConstLabels: labels,
		},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "errors_total",
			Help:        "Errors by operation and code",
			ConstLabels: labels,
		},
		[]string{"operation", "code"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheRequests,
		c.cacheEvictions,
		c.cacheSizeGauge,
		c.relocations,
		c.relocatedBytes,
		c.relocationDuration,
		c.errorCounter,
	}
	if c.config.GoCollector {
		metrics = append(metrics,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	return string(gedserrors.CodeOf(err))
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "geds-metrics"})
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, _ *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("GEDS Operations Summary\n")
	writef("=======================\n\n")
	writef("Uptime: %v\n\n", time.Since(c.lastReset).Round(time.Second))

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(c.operations))
	for name := range c.operations {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-20s %10s %10s %12s %12s\n", "Operation", "Count", "Errors", "Avg Duration", "Avg Size")
	for _, name := range names {
		op := c.operations[name]
		writef("%-20s %10d %10d %12v %12s\n",
			name, op.Count, op.Errors, op.AvgDuration, strconv.FormatFloat(op.AvgSize, 'f', 0, 64))
	}
}
