package onic

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/ehrlich-b/go-onic/internal/dispatch"
	"github.com/ehrlich-b/go-onic/internal/dma"
	"github.com/ehrlich-b/go-onic/internal/ioerr"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const (
	numLatencyBuckets = 8
	numErrorCodes     = 6
)

// errorCodes lists the categories counted per code, in snapshot order
var errorCodes = [numErrorCodes]ErrorCode{
	ErrInvalidArgument,
	ErrResourceExhausted,
	ErrIntegrityViolation,
	ErrEngineFailure,
	ErrEngineTimeout,
	ErrDeviceClosed,
}

// Metrics tracks performance and operational statistics for a device
type Metrics struct {
	// Transfer counters
	ReadOps  atomic.Uint64 // Total card-to-host transfers
	WriteOps atomic.Uint64 // Total host-to-card transfers

	// Byte counters
	ReadBytes  atomic.Uint64 // Total bytes moved card-to-host
	WriteBytes atomic.Uint64 // Total bytes moved host-to-card

	// Error counters
	ReadErrors  atomic.Uint64 // Failed card-to-host transfers
	WriteErrors atomic.Uint64 // Failed host-to-card transfers

	// Failures by category, indexed like errorCodes
	CodeErrors [numErrorCodes]atomic.Uint64

	// Queue statistics
	QueueWaitNs    atomic.Uint64 // Cumulative time spent waiting for a queue
	QueueWaitCount atomic.Uint64 // Number of queue acquisitions
	MaxQueueWaitNs atomic.Uint64 // Longest single wait
	MaxInFlight    atomic.Uint32 // Maximum observed requests holding a queue

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative transfer latency in nanoseconds
	OpCount        atomic.Uint64 // Total transfers (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of transfers with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // Device open timestamp (UnixNano)
	StopTime  atomic.Int64 // Device close timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a card-to-host transfer
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a host-to-card transfer
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordError counts a failure by category
func (m *Metrics) RecordError(code ErrorCode) {
	for i, c := range errorCodes {
		if c == code {
			m.CodeErrors[i].Add(1)
			return
		}
	}
}

// RecordQueueWait records time spent waiting for a queue identifier
func (m *Metrics) RecordQueueWait(waitNs uint64) {
	m.QueueWaitNs.Add(waitNs)
	m.QueueWaitCount.Add(1)
	storeMax64(&m.MaxQueueWaitNs, waitNs)
}

// RecordInFlight records the current number of requests holding a queue
func (m *Metrics) RecordInFlight(depth uint32) {
	// Update max in-flight atomically
	for {
		current := m.MaxInFlight.Load()
		if depth <= current {
			break
		}
		if m.MaxInFlight.CompareAndSwap(current, depth) {
			break
		}
	}
}

func storeMax64(v *atomic.Uint64, n uint64) {
	for {
		current := v.Load()
		if n <= current || v.CompareAndSwap(current, n) {
			return
		}
	}
}

// recordLatency records transfer latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Transfers
	ReadOps  uint64
	WriteOps uint64

	// Bytes transferred
	ReadBytes  uint64
	WriteBytes uint64

	// Error counts
	ReadErrors  uint64
	WriteErrors uint64
	Errors      map[ErrorCode]uint64 // Failures by category, zero counts omitted
	Timeouts    uint64

	// Queue statistics
	AvgQueueWaitNs uint64
	MaxQueueWaitNs uint64
	MaxInFlight    uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	ReadIOPS       float64 // Transfers per second
	WriteIOPS      float64
	ReadBandwidth  float64 // Bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // Percentage of failed transfers
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:        m.ReadOps.Load(),
		WriteOps:       m.WriteOps.Load(),
		ReadBytes:      m.ReadBytes.Load(),
		WriteBytes:     m.WriteBytes.Load(),
		ReadErrors:     m.ReadErrors.Load(),
		WriteErrors:    m.WriteErrors.Load(),
		MaxQueueWaitNs: m.MaxQueueWaitNs.Load(),
		MaxInFlight:    m.MaxInFlight.Load(),
		Errors:         make(map[ErrorCode]uint64),
	}
	for i, code := range errorCodes {
		if n := m.CodeErrors[i].Load(); n > 0 {
			snap.Errors[code] = n
		}
	}
	snap.Timeouts = snap.Errors[ErrEngineTimeout]

	// Calculate derived statistics
	snap.TotalOps = snap.ReadOps + snap.WriteOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	if waits := m.QueueWaitCount.Load(); waits > 0 {
		snap.AvgQueueWaitNs = m.QueueWaitNs.Load() / waits
	}

	// Calculate average latency
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	// Calculate rates (transfers and bandwidth per second)
	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	// Calculate error rate
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.ReadErrors+snap.WriteErrors) / float64(snap.TotalOps) * 100.0
	}

	// Copy histogram bucket counts
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	// Calculate percentiles from histogram
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	for i := range m.CodeErrors {
		m.CodeErrors[i].Store(0)
	}
	m.QueueWaitNs.Store(0)
	m.QueueWaitCount.Store(0)
	m.MaxQueueWaitNs.Store(0)
	m.MaxInFlight.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection. Every transfer reports
// its queue wait, its completion and, on failure, its error category.
type Observer = dispatch.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool) {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveError(Direction, ErrorCode) {}
func (NoOpObserver) ObserveQueueWait(Direction, uint64) {}
func (NoOpObserver) ObserveInFlight(uint32) {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveError(_ Direction, code ErrorCode) {
	o.metrics.RecordError(code)
}

func (o *MetricsObserver) ObserveQueueWait(_ Direction, waitNs uint64) {
	o.metrics.RecordQueueWait(waitNs)
}

func (o *MetricsObserver) ObserveInFlight(depth uint32) {
	o.metrics.RecordInFlight(depth)
}

// RegistryObserver records into a go-metrics registry, where exporters
// such as the Prometheus bridge can pick the values up. Metric names are
// prefixed with the device name.
type RegistryObserver struct {
	registry metrics.Registry
	prefix   string

	ops      [2]metrics.Counter
	bytes    [2]metrics.Meter
	failures [2]metrics.Counter
	latency  [2]metrics.Timer
	wait     [2]metrics.Histogram
	inFlight metrics.Gauge
}

// NewRegistryObserver registers the device's metrics in r. A nil r uses
// metrics.DefaultRegistry.
func NewRegistryObserver(r metrics.Registry, device string) *RegistryObserver {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	if device == "" {
		device = DefaultDeviceName
	}
	o := &RegistryObserver{registry: r, prefix: device}
	for _, dir := range []dma.Direction{dma.Read, dma.Write} {
		name := o.prefix + "." + dir.String()
		o.ops[dir] = metrics.GetOrRegisterCounter(name+".ops", r)
		o.bytes[dir] = metrics.GetOrRegisterMeter(name+".bytes", r)
		o.failures[dir] = metrics.GetOrRegisterCounter(name+".errors", r)
		o.latency[dir] = metrics.GetOrRegisterTimer(name+".latency", r)
		o.wait[dir] = metrics.GetOrRegisterHistogram(name+".queue_wait_ns", r, metrics.NewExpDecaySample(1028, 0.015))
	}
	o.inFlight = metrics.GetOrRegisterGauge(o.prefix+".in_flight", r)
	return o
}

func (o *RegistryObserver) observe(dir dma.Direction, bytes uint64, latencyNs uint64, success bool) {
	o.ops[dir].Inc(1)
	if success {
		o.bytes[dir].Mark(int64(bytes))
	} else {
		o.failures[dir].Inc(1)
	}
	o.latency[dir].Update(time.Duration(latencyNs))
}

func (o *RegistryObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.observe(dma.Read, bytes, latencyNs, success)
}

func (o *RegistryObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.observe(dma.Write, bytes, latencyNs, success)
}

func (o *RegistryObserver) ObserveError(dir Direction, code ErrorCode) {
	side := "invalid"
	if dir.Valid() {
		side = dir.String()
	}
	metrics.GetOrRegisterCounter(fmt.Sprintf("%s.%s.errors.%s", o.prefix, side, metricName(code)), o.registry).Inc(1)
}

func (o *RegistryObserver) ObserveQueueWait(dir Direction, waitNs uint64) {
	if dir.Valid() {
		o.wait[dir].Update(int64(waitNs))
	}
}

func (o *RegistryObserver) ObserveInFlight(depth uint32) {
	o.inFlight.Update(int64(depth))
}

// metricName turns an error category into a metric name segment
func metricName(code ioerr.Code) string {
	return strings.ReplaceAll(string(code), " ", "_")
}

// multiObserver fans each observation out to several observers
type multiObserver []Observer

func (m multiObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveRead(bytes, latencyNs, success)
	}
}

func (m multiObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveWrite(bytes, latencyNs, success)
	}
}

func (m multiObserver) ObserveError(dir Direction, code ErrorCode) {
	for _, o := range m {
		o.ObserveError(dir, code)
	}
}

func (m multiObserver) ObserveQueueWait(dir Direction, waitNs uint64) {
	for _, o := range m {
		o.ObserveQueueWait(dir, waitNs)
	}
}

func (m multiObserver) ObserveInFlight(depth uint32) {
	for _, o := range m {
		o.ObserveInFlight(depth)
	}
}

// Compile-time interface checks
var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
	_ Observer = (*RegistryObserver)(nil)
	_ Observer = multiObserver(nil)
)
