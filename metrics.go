package vecdb

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    insertCounter   prometheus.Counter
//	    searchHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordInsert(duration time.Duration, err error) {
//	    p.insertCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordInsert is the hook for a single insert operation; DBEngine
	// itself does not call it (InsertVectors reports via RecordBatchInsert).
	// duration is the total time taken, err is nil if successful.
	RecordInsert(duration time.Duration, err error)

	// RecordBatchInsert is called after each batch insert operation.
	// count is the number of items attempted, failed is the number that failed,
	// duration is the total time taken.
	RecordBatchInsert(count, failed int, duration time.Duration)

	// RecordSearch is called after each search operation.
	// k is the number of neighbors requested, duration is the time taken,
	// err is nil if successful.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordDelete is the hook for a delete operation; DBEngine itself does
	// not call it.
	RecordDelete(duration time.Duration, err error)

	// RecordUpdate is the hook for an update operation; DBEngine itself does
	// not call it.
	RecordUpdate(duration time.Duration, err error)

	// RecordCacheUsage is sampled each time the background timer's metric
	// interval elapses, once for each cache instance ("cpu" or "gpu").
	RecordCacheUsage(cache string, usageBytes, capacityBytes int64)

	// RecordDiskSize is sampled each time the background timer's metric
	// interval elapses: the total on-disk footprint of all non-TO_DELETE
	// files across every table.
	RecordDiskSize(bytes uint64)

	// RecordResourceUtilization is the hook for host CPU/RAM utilization
	// plus GPU utilization; DBEngine's background timer does not call it.
	RecordResourceUtilization(cpuPercent, ramPercent, gpuPercent float64)

	// RecordKeepAlive is called once per background-timer tick regardless
	// of which sub-tasks ran, so a monitoring system can distinguish "timer
	// stopped" from "nothing to report".
	RecordKeepAlive()
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)                    {}
func (NoopMetricsCollector) RecordBatchInsert(int, int, time.Duration)            {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)               {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)                    {}
func (NoopMetricsCollector) RecordUpdate(time.Duration, error)                    {}
func (NoopMetricsCollector) RecordCacheUsage(string, int64, int64)                {}
func (NoopMetricsCollector) RecordDiskSize(uint64)                                {}
func (NoopMetricsCollector) RecordResourceUtilization(float64, float64, float64)  {}
func (NoopMetricsCollector) RecordKeepAlive()                                     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InsertCount       atomic.Int64
	InsertErrors      atomic.Int64
	InsertTotalNanos  atomic.Int64
	BatchInsertCount  atomic.Int64
	BatchInsertItems  atomic.Int64
	BatchInsertFailed atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchTotalNanos  atomic.Int64
	DeleteCount       atomic.Int64
	DeleteErrors      atomic.Int64
	UpdateCount       atomic.Int64
	UpdateErrors      atomic.Int64

	CPUCacheUsageBytes    atomic.Int64
	CPUCacheCapacityBytes atomic.Int64
	GPUCacheUsageBytes    atomic.Int64
	GPUCacheCapacityBytes atomic.Int64
	DiskSizeBytes         atomic.Uint64
	KeepAliveCount        atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordBatchInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchInsert(count, failed int, duration time.Duration) {
	b.BatchInsertCount.Add(1)
	b.BatchInsertItems.Add(int64(count))
	b.BatchInsertFailed.Add(int64(failed))
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpdate(duration time.Duration, err error) {
	b.UpdateCount.Add(1)
	if err != nil {
		b.UpdateErrors.Add(1)
	}
}

// RecordCacheUsage implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCacheUsage(cache string, usageBytes, capacityBytes int64) {
	switch cache {
	case "gpu":
		b.GPUCacheUsageBytes.Store(usageBytes)
		b.GPUCacheCapacityBytes.Store(capacityBytes)
	default:
		b.CPUCacheUsageBytes.Store(usageBytes)
		b.CPUCacheCapacityBytes.Store(capacityBytes)
	}
}

// RecordDiskSize implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDiskSize(bytes uint64) {
	b.DiskSizeBytes.Store(bytes)
}

// RecordResourceUtilization implements MetricsCollector. The basic
// collector only tracks that it was sampled; host-level CPU/RAM/GPU
// utilization is a monitoring-system concern (e.g. node_exporter),
// deliberately out of scope for the in-process collector.
func (b *BasicMetricsCollector) RecordResourceUtilization(float64, float64, float64) {}

// RecordKeepAlive implements MetricsCollector.
func (b *BasicMetricsCollector) RecordKeepAlive() { b.KeepAliveCount.Add(1) }

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:       b.InsertCount.Load(),
		InsertErrors:      b.InsertErrors.Load(),
		InsertAvgNanos:    b.getAvgInsertNanos(),
		BatchInsertCount:  b.BatchInsertCount.Load(),
		BatchInsertItems:  b.BatchInsertItems.Load(),
		BatchInsertFailed: b.BatchInsertFailed.Load(),
		SearchCount:       b.SearchCount.Load(),
		SearchErrors:      b.SearchErrors.Load(),
		SearchAvgNanos:    b.getAvgSearchNanos(),
		DeleteCount:       b.DeleteCount.Load(),
		DeleteErrors:      b.DeleteErrors.Load(),
		UpdateCount:       b.UpdateCount.Load(),
		UpdateErrors:      b.UpdateErrors.Load(),

		CPUCacheUsageBytes:    b.CPUCacheUsageBytes.Load(),
		CPUCacheCapacityBytes: b.CPUCacheCapacityBytes.Load(),
		GPUCacheUsageBytes:    b.GPUCacheUsageBytes.Load(),
		GPUCacheCapacityBytes: b.GPUCacheCapacityBytes.Load(),
		DiskSizeBytes:         b.DiskSizeBytes.Load(),
		KeepAliveCount:        b.KeepAliveCount.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgInsertNanos() int64 {
	count := b.InsertCount.Load()
	if count == 0 {
		return 0
	}
	return b.InsertTotalNanos.Load() / count
}

func (b *BasicMetricsCollector) getAvgSearchNanos() int64 {
	count := b.SearchCount.Load()
	if count == 0 {
		return 0
	}
	return b.SearchTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InsertCount       int64
	InsertErrors      int64
	InsertAvgNanos    int64
	BatchInsertCount  int64
	BatchInsertItems  int64
	BatchInsertFailed int64
	SearchCount       int64
	SearchErrors      int64
	SearchAvgNanos    int64
	DeleteCount       int64
	DeleteErrors      int64
	UpdateCount       int64
	UpdateErrors      int64

	CPUCacheUsageBytes    int64
	CPUCacheCapacityBytes int64
	GPUCacheUsageBytes    int64
	GPUCacheCapacityBytes int64
	DiskSizeBytes         uint64
	KeepAliveCount        int64
}
