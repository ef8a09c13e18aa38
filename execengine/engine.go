// Package execengine implements the per-file ExecutionEngine contract: the
// polymorphic object that knows how to load a table file's vectors into
// memory, merge another file's vectors into itself, serialize itself back
// out, and answer a top-K search against its resident data.
//
// A file's ExecutionEngine variant is fixed at file-creation time (the
// table's meta.IndexDescriptor.EngineType) and never changes for that file;
// switching engine types happens by dropping and rebuilding the index, not
// by mutating an existing file's engine.
package execengine

import (
	"context"
	"fmt"
	"io"

	"github.com/vecdbio/vecdb/blobstore"
	"github.com/vecdbio/vecdb/cache"
	"github.com/vecdbio/vecdb/dberr"
	"github.com/vecdbio/vecdb/meta"
	"github.com/vecdbio/vecdb/metric"
	"github.com/vecdbio/vecdb/resource"
)

// Engine is the abstract per-file execution engine (§4.3). A single Engine
// instance is bound to one file's location for its lifetime.
type Engine interface {
	// Load reads the file at Location into memory. If toCache is true the
	// engine also inserts itself into the given cache.Manager under its
	// Location key so subsequent Lookups avoid re-reading from blob storage.
	Load(toCache bool, mgr *cache.Manager) error

	// Merge appends the vectors of the file at otherLocation into this
	// engine's in-memory build state. Used while constructing a NEW_MERGE
	// file out of several mergeable sources.
	Merge(otherLocation string) error

	// Serialize writes the in-memory state out to Location. A failure here
	// is an IO_ERROR; the caller is responsible for reacting per §4.3
	// (forcing the file to TO_DELETE without disturbing merge sources).
	Serialize() error

	// Search returns, for each of nq query vectors, the k nearest neighbor
	// ids and their distances (row-major, k entries per query). nprobe is
	// ignored by exact engines and bounds the number of partitions scanned
	// by partitioned engines.
	Search(vectors []float32, nq, k, nprobe int) (ids []uint64, distances []float32, err error)

	// Size is the logical row count of vectors resident in the engine.
	Size() uint64
	// PhysicalSize is the resident memory footprint, the quantity charged
	// against cache.Manager capacity.
	PhysicalSize() int64
	// Count is the number of vectors currently held (identical to Size for
	// all built-in engines; kept distinct because some ANN engines
	// deduplicate on merge).
	Count() uint64
	// Cache inserts this engine into mgr under its Location key; a nil mgr
	// is a no-op.
	Cache(mgr *cache.Manager)
}

// Store is the blob backend an Engine reads/writes segment bytes through,
// plus the metric it distances vectors under.
type Store struct {
	Blobs  blobstore.BlobStore
	Metric metric.Kind
	// ResCtl, if non-nil, throttles every Serialize's blob write, and every
	// blob read that goes through readAllThrottled, against its I/O budget
	// (resource.Config.IOLimitBytesPerSec). Nil disables throttling.
	ResCtl *resource.Controller
}

// throttled wraps w in a resource.RateLimitedWriter bound to s.ResCtl, or
// returns w unchanged if no controller is configured.
func (s Store) throttled(w io.Writer) io.Writer {
	if s.ResCtl == nil {
		return w
	}
	return resource.NewRateLimitedWriter(w, s.ResCtl, context.Background())
}

// readAllThrottled reads the full contents of an io.ReaderAt blob of the
// given size, throttled through s.ResCtl. Used on the ReadAt slow path
// (blob.Bytes() fast-path reads never touch physical storage, so they are
// not metered).
func (s Store) readAllThrottled(r io.ReaderAt, size int64) ([]byte, error) {
	data := make([]byte, size)
	var reader io.Reader = io.NewSectionReader(r, 0, size)
	if s.ResCtl != nil {
		reader = resource.NewRateLimitedReader(reader, s.ResCtl, context.Background())
	}
	_, err := io.ReadFull(reader, data)
	return data, err
}

// New constructs the Engine variant for a file, per its EngineType. Load
// and Serialize of every variant handle only that variant's own format;
// Merge also decodes a source in the other built-in format (FLAT or IVF).
// meta.File.EngineType is authoritative and set once at file creation.
func New(f meta.File, store Store) (Engine, error) {
	switch f.EngineType {
	case meta.Flat, "":
		return newFlatEngine(f, store), nil
	case meta.IVFFlat:
		return newIVFEngine(f, store), nil
	default:
		return nil, dberr.New(dberr.CodeInvalidEngineType, "execengine: unknown engine type %q", f.EngineType)
	}
}

// physicalSizeOf estimates the resident memory footprint of n vectors of
// dimension dim, plus one uint64 id per vector.
func physicalSizeOf(n, dim int) int64 {
	return int64(n) * (int64(dim)*4 + 8)
}

func distanceFor(k metric.Kind, a, b []float32) float32 {
	return metric.Distance(k, a, b)
}

// betterThan reports whether distance x should be preferred over y for the
// given metric: smaller for L2, larger for InnerProduct/Cosine similarity.
func betterThan(k metric.Kind, x, y float32) bool {
	if k == metric.L2 {
		return x < y
	}
	return x > y
}

// worstOf returns the initial "nothing found yet" sentinel for a metric so a
// top-k accumulator can be seeded before any real distance is computed.
func worstOf(k metric.Kind) float32 {
	if k == metric.L2 {
		return float32(1<<31 - 1)
	}
	return -(float32(1<<31 - 1))
}

var errDimensionMismatch = fmt.Errorf("execengine: vector dimension mismatch")

// topK is shared by every built-in engine's brute-force scan phase: given a
// slice of (id, distance) candidates it keeps the best k in engine-metric
// order, guarded so callers don't need to import the queue package directly.
type topK struct {
	k      int
	metric metric.Kind
	ids    []uint64
	dists  []float32
}

func newTopK(k int, m metric.Kind) *topK {
	return &topK{k: k, metric: m}
}

func (t *topK) offer(id uint64, dist float32) {
	if len(t.ids) < t.k {
		t.ids = append(t.ids, id)
		t.dists = append(t.dists, dist)
		t.sort()
		return
	}
	if t.k == 0 {
		return
	}
	worstIdx := len(t.dists) - 1
	if !betterThan(t.metric, dist, t.dists[worstIdx]) {
		return
	}
	t.dists[worstIdx] = dist
	t.ids[worstIdx] = id
	t.sort()
}

// sort performs an insertion-sort pass; called only after an insert, on
// arrays of length ≤ k, so this stays cheap without pulling in sort.Interface
// boilerplate per call site.
func (t *topK) sort() {
	for i := 1; i < len(t.dists); i++ {
		for j := i; j > 0 && betterThan(t.metric, t.dists[j], t.dists[j-1]); j-- {
			t.dists[j], t.dists[j-1] = t.dists[j-1], t.dists[j]
			t.ids[j], t.ids[j-1] = t.ids[j-1], t.ids[j]
		}
	}
}

func (t *topK) result(k int) ([]uint64, []float32) {
	ids := make([]uint64, k)
	dists := make([]float32, k)
	for i := 0; i < k; i++ {
		if i < len(t.ids) {
			ids[i] = t.ids[i]
			dists[i] = t.dists[i]
		} else {
			ids[i] = 0
			dists[i] = worstOf(t.metric)
		}
	}
	return ids, dists
}
