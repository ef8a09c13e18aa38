package vecdb

import (
	"log/slog"
	"time"

	"github.com/vecdbio/vecdb/blobstore"
	"github.com/vecdbio/vecdb/codec"
)

// Mode selects the engine's operating mode.
type Mode int

const (
	// Single is a standalone, single-writer instance: the default.
	Single Mode = iota
	// ClusterWritable is a cluster node that accepts writes. It uses a
	// longer TTL before physically removing TO_DELETE files, on the
	// assumption other nodes may still be reading a stale file list.
	ClusterWritable
	// ClusterReadonly is a cluster replica that never mutates state: its
	// background timer is never started and CleanUp at Stop is skipped.
	ClusterReadonly
)

func (m Mode) String() string {
	switch m {
	case Single:
		return "single"
	case ClusterWritable:
		return "cluster_writable"
	case ClusterReadonly:
		return "cluster_readonly"
	default:
		return "unknown"
	}
}

// OneMB is the multiplier used to convert the megabyte-denominated
// index_file_size table option into the byte count stored internally.
const OneMB int64 = 1 << 20

const (
	defaultMergeTriggerNumber = 4
	defaultCreateIndexCeiling = 10 * time.Second
	defaultMetricInterval     = 1 * time.Second
	defaultCompactionInterval = 1 * time.Second
	defaultBuildIndexInterval = 1 * time.Second
	defaultWritableTTL        = 24 * time.Hour
	defaultReadonlyTTL        = 5 * time.Minute
)

type options struct {
	metaURI  string
	mode     Mode
	blobRoot string

	mergeTriggerNumber     int
	insertCacheImmediately bool

	cpuCacheCapacityBytes int64
	gpuCacheCapacityBytes int64

	createIndexPollCeiling time.Duration

	metricInterval     time.Duration
	compactionInterval time.Duration
	buildIndexInterval time.Duration

	writableTTL time.Duration
	readonlyTTL time.Duration

	numComputeResources int64
	ioLimitBytesPerSec  int64

	codec            codec.Codec
	metricsCollector MetricsCollector
	logger           *Logger
	blobStore        blobstore.BlobStore
}

// Option configures DBEngine construction.
//
// Breaking changes are expected while this engine is pre-release.
type Option func(*options)

// WithMetaURI configures the MetaStore backend location (e.g. a directory
// path for the embedded single-file store).
func WithMetaURI(uri string) Option {
	return func(o *options) { o.metaURI = uri }
}

// WithMode configures the engine's operating mode. See Mode.
func WithMode(mode Mode) Option {
	return func(o *options) { o.mode = mode }
}

// WithBlobRoot configures the root directory under which file artifacts
// (segments) are stored, via a LocalStore-backed blob store. Ignored if
// WithBlobStore is also given.
func WithBlobRoot(root string) Option {
	return func(o *options) { o.blobRoot = root }
}

// WithBlobStore overrides the blob store entirely, e.g. blobstore.NewMemoryStore()
// for tests or an embedder that never wants segment files touching disk.
// Takes precedence over WithBlobRoot.
func WithBlobStore(store blobstore.BlobStore) Option {
	return func(o *options) { o.blobStore = store }
}

// WithMergeTriggerNumber sets the minimum number of mergeable files a
// (table, date) partition must accumulate before BackgroundCompaction
// merges them.
func WithMergeTriggerNumber(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.mergeTriggerNumber = n
		}
	}
}

// WithInsertCacheImmediately, when enabled, pins a merged file's artifact
// into the CPU cache as soon as MergeFiles produces it, trading cache
// pressure for lower first-query latency.
func WithInsertCacheImmediately(enabled bool) Option {
	return func(o *options) { o.insertCacheImmediately = enabled }
}

// WithCacheCapacity sets the CPU and GPU cache byte budgets.
func WithCacheCapacity(cpuBytes, gpuBytes int64) Option {
	return func(o *options) {
		o.cpuCacheCapacityBytes = cpuBytes
		o.gpuCacheCapacityBytes = gpuBytes
	}
}

// WithCreateIndexPollCeiling bounds the exponential backoff CreateIndex
// uses while waiting for eligible files to leave non-final states.
// Retained from the source's unbounded loop per the design notes: the
// ceiling itself, not the loop, is what is made configurable.
func WithCreateIndexPollCeiling(ceiling time.Duration) Option {
	return func(o *options) {
		if ceiling > 0 {
			o.createIndexPollCeiling = ceiling
		}
	}
}

// WithNumComputeResources sets the number of search workers and the number
// of background pipeline runs (compaction, index build) allowed at once.
// DeleteJob broadcasts to the registered cache resources, not to this count.
func WithNumComputeResources(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.numComputeResources = n
		}
	}
}

// WithIOLimit caps sustained segment I/O to bytesPerSec: every engine
// Serialize write (flush, merge, build-index) and every segment read that
// does not take the in-memory Bytes fast path. Zero (the default) leaves
// segment I/O unthrottled.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		if bytesPerSec > 0 {
			o.ioLimitBytesPerSec = bytesPerSec
		}
	}
}

// WithIntervals overrides the background timer's per-tick sampling
// intervals for metrics, compaction triggering, and index-build triggering.
// Zero values are ignored.
func WithIntervals(metric, compaction, buildIndex time.Duration) Option {
	return func(o *options) {
		if metric > 0 {
			o.metricInterval = metric
		}
		if compaction > 0 {
			o.compactionInterval = compaction
		}
		if buildIndex > 0 {
			o.buildIndexInterval = buildIndex
		}
	}
}

// WithTTL overrides the default TO_DELETE retention windows.
func WithTTL(writable, readonly time.Duration) Option {
	return func(o *options) {
		if writable > 0 {
			o.writableTTL = writable
		}
		if readonly > 0 {
			o.readonlyTTL = readonly
		}
	}
}

// WithCodec configures the codec used to persist MetaStore manifests.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) { o.metricsCollector = mc }
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) { o.logger = NewTextLogger(level) }
}

func applyOptions(optFns []Option) options {
	o := options{
		metaURI:                "./data/meta",
		mode:                   Single,
		blobRoot:               "./data/blobs",
		mergeTriggerNumber:     defaultMergeTriggerNumber,
		cpuCacheCapacityBytes:  512 * OneMB,
		gpuCacheCapacityBytes:  0,
		createIndexPollCeiling: defaultCreateIndexCeiling,
		metricInterval:         defaultMetricInterval,
		compactionInterval:     defaultCompactionInterval,
		buildIndexInterval:     defaultBuildIndexInterval,
		writableTTL:            defaultWritableTTL,
		readonlyTTL:            defaultReadonlyTTL,
		numComputeResources:    1,
		codec:                  codec.Default,
		metricsCollector:       NoopMetricsCollector{},
		logger:                 NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.codec == nil {
		o.codec = codec.Default
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}

// ttlFor returns the TO_DELETE retention window for the given mode.
func (o *options) ttlFor(mode Mode) time.Duration {
	if mode == ClusterWritable {
		return o.writableTTL
	}
	return o.readonlyTTL
}
