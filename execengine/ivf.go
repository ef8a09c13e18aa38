package execengine

import (
	"encoding/binary"
	"math"
	"math/rand"
	"sync"

	"github.com/vecdbio/vecdb/cache"
	"github.com/vecdbio/vecdb/dberr"
	"github.com/vecdbio/vecdb/meta"
)

const ivfMagic = uint32(0x49564631) // "IVF1"

// ivfEngine is an inverted-file index: vectors are assigned to the nearest
// of NList centroids at build time (Serialize), and a query only scans the
// nprobe partitions closest to it instead of the whole file.
//
// Before Serialize has run once (i.e. while still accumulating merge
// sources) an ivfEngine behaves exactly like a flat scan, since it has no
// trained centroids yet.
type ivfEngine struct {
	file  meta.File
	store Store

	mu        sync.RWMutex
	dim       int
	nlist     int
	ids       []uint64
	vectors   []float32 // row-major, ungrouped accumulation buffer
	centroids []float32 // row-major, nlist*dim, set by Serialize
	// partitions[i] holds the indices into ids/vectors assigned to centroid i.
	partitions [][]int
}

func newIVFEngine(f meta.File, store Store) *ivfEngine {
	nlist := f.NList
	if nlist <= 0 {
		nlist = 1
	}
	return &ivfEngine{file: f, store: store, dim: int(f.Dimension), nlist: nlist}
}

// SetData seeds the engine's accumulation buffer directly, bypassing
// Load/Merge, so the next Serialize trains centroids over exactly these
// vectors. MemBuffer flushes with the FLAT engine and does not reach this.
func (e *ivfEngine) SetData(ids []uint64, vectors []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = ids
	e.vectors = vectors
}

func (e *ivfEngine) Load(toCache bool, mgr *cache.Manager) error {
	blob, err := e.store.Blobs.Open(e.file.Location)
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: open %s", e.file.Location)
	}
	defer blob.Close()

	data, err := e.store.readAllThrottled(blob, blob.Size())
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: read %s", e.file.Location)
	}

	ids, vectors, centroids, dim, nlist, err := decodeIVF(data)
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: decode %s", e.file.Location)
	}

	e.mu.Lock()
	e.ids, e.vectors, e.centroids, e.dim, e.nlist = ids, vectors, centroids, dim, nlist
	e.rebuildPartitionsLocked()
	e.mu.Unlock()

	if toCache && mgr != nil {
		return mgr.Insert(e.file.Location, e)
	}
	return nil
}

func (e *ivfEngine) Merge(otherLocation string) error {
	blob, err := e.store.Blobs.Open(otherLocation)
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: open merge source %s", otherLocation)
	}
	defer blob.Close()

	data, err := e.store.readAllThrottled(blob, blob.Size())
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: read merge source %s", otherLocation)
	}

	// Merge sources are mergeable (RAW/NEW/NEW_MERGE) files. A freshly
	// flushed NEW file is always flat-encoded (see membuf), but a RAW file
	// that itself survived an earlier merge round under this table's IVF
	// engine is IVF-encoded with trained centroids already discarded by
	// re-flattening here: the destination retrains its own centroids over
	// the whole accumulated set on Serialize.
	ids, vectors, dim, err := decodeFlatOrIVF(data)
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: decode merge source %s", otherLocation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim == 0 {
		e.dim = dim
	} else if dim != 0 && dim != e.dim {
		return dberr.New(dberr.CodeDBError, "execengine: merge source dimension %d != %d", dim, e.dim)
	}
	e.ids = append(e.ids, ids...)
	e.vectors = append(e.vectors, vectors...)
	return nil
}

// Serialize trains centroids over the accumulated vectors (if not already
// trained) and writes the partitioned layout out to Location.
func (e *ivfEngine) Serialize() error {
	e.mu.Lock()
	if e.centroids == nil {
		e.trainLocked()
	}
	e.rebuildPartitionsLocked()
	data := encodeIVF(e.ids, e.vectors, e.centroids, e.dim, e.nlist)
	e.mu.Unlock()

	w, err := e.store.Blobs.Create(e.file.Location)
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: create %s", e.file.Location)
	}
	if _, err := e.store.throttled(w).Write(data); err != nil {
		w.Close()
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: write %s", e.file.Location)
	}
	if err := w.Close(); err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: close %s", e.file.Location)
	}
	return nil
}

// trainLocked runs Lloyd's algorithm to pick e.nlist centroids from the
// currently accumulated vectors. Caller holds e.mu.
func (e *ivfEngine) trainLocked() {
	n := len(e.ids)
	k := e.nlist
	if k > n {
		k = n
	}
	if k <= 0 {
		e.centroids = nil
		return
	}

	dim := e.dim
	centroids := make([]float32, k*dim)
	perm := rand.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], e.vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	const maxIter = 10
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i := 0; i < n; i++ {
			v := e.vectors[i*dim : (i+1)*dim]
			best, bestDist := 0, distanceFor(e.store.Metric, v, centroids[0:dim])
			for c := 1; c < k; c++ {
				d := distanceFor(e.store.Metric, v, centroids[c*dim:(c+1)*dim])
				if betterThan(e.store.Metric, d, bestDist) {
					bestDist = d
					best = c
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([]float32, k*dim)
		counts := make([]int, k)
		for i := 0; i < n; i++ {
			c := assignments[i]
			counts[c]++
			v := e.vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += v[d]
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				idx := rand.Intn(n)
				copy(centroids[c*dim:(c+1)*dim], e.vectors[idx*dim:(idx+1)*dim])
				continue
			}
			scale := 1.0 / float32(counts[c])
			for d := 0; d < dim; d++ {
				centroids[c*dim+d] = sums[c*dim+d] * scale
			}
		}
	}

	e.centroids = centroids
	e.nlist = k
}

// rebuildPartitionsLocked assigns every resident vector to its nearest
// centroid. Caller holds e.mu.
func (e *ivfEngine) rebuildPartitionsLocked() {
	if len(e.centroids) == 0 {
		e.partitions = nil
		return
	}
	nlist := len(e.centroids) / e.dim
	partitions := make([][]int, nlist)
	for i := range e.ids {
		v := e.vectors[i*e.dim : (i+1)*e.dim]
		c := e.nearestCentroidLocked(v)
		partitions[c] = append(partitions[c], i)
	}
	e.partitions = partitions
}

func (e *ivfEngine) nearestCentroidLocked(v []float32) int {
	nlist := len(e.centroids) / e.dim
	best, bestDist := 0, distanceFor(e.store.Metric, v, e.centroids[0:e.dim])
	for c := 1; c < nlist; c++ {
		d := distanceFor(e.store.Metric, v, e.centroids[c*e.dim:(c+1)*e.dim])
		if betterThan(e.store.Metric, d, bestDist) {
			bestDist = d
			best = c
		}
	}
	return best
}

func (e *ivfEngine) Search(vectors []float32, nq, k, nprobe int) ([]uint64, []float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.dim != 0 && len(vectors) != nq*e.dim {
		return nil, nil, dberr.Wrap(dberr.CodeDBError, errDimensionMismatch, "execengine: search")
	}
	if nprobe <= 0 {
		nprobe = 1
	}

	resultIDs := make([]uint64, 0, nq*k)
	resultDists := make([]float32, 0, nq*k)

	for q := 0; q < nq; q++ {
		query := vectors[q*e.dim : (q+1)*e.dim]
		acc := newTopK(k, e.store.Metric)

		if len(e.partitions) == 0 {
			for i, id := range e.ids {
				v := e.vectors[i*e.dim : (i+1)*e.dim]
				acc.offer(id, distanceFor(e.store.Metric, query, v))
			}
		} else {
			for _, p := range e.closestPartitions(query, nprobe) {
				for _, i := range e.partitions[p] {
					v := e.vectors[i*e.dim : (i+1)*e.dim]
					acc.offer(e.ids[i], distanceFor(e.store.Metric, query, v))
				}
			}
		}

		ids, dists := acc.result(k)
		resultIDs = append(resultIDs, ids...)
		resultDists = append(resultDists, dists...)
	}
	return resultIDs, resultDists, nil
}

func (e *ivfEngine) closestPartitions(query []float32, nprobe int) []int {
	nlist := len(e.partitions)
	if nprobe > nlist {
		nprobe = nlist
	}
	type cd struct {
		idx  int
		dist float32
	}
	cands := make([]cd, nlist)
	for c := 0; c < nlist; c++ {
		cands[c] = cd{c, distanceFor(e.store.Metric, query, e.centroids[c*e.dim:(c+1)*e.dim])}
	}
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && betterThan(e.store.Metric, cands[j].dist, cands[j-1].dist); j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
	out := make([]int, nprobe)
	for i := 0; i < nprobe; i++ {
		out[i] = cands[i].idx
	}
	return out
}

func (e *ivfEngine) Size() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint64(len(e.ids))
}

func (e *ivfEngine) PhysicalSize() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return physicalSizeOf(len(e.ids), e.dim) + int64(len(e.centroids))*4
}

func (e *ivfEngine) Count() uint64 { return e.Size() }

func (e *ivfEngine) Cache(mgr *cache.Manager) {
	if mgr != nil {
		_ = mgr.Insert(e.file.Location, e)
	}
}

// encodeIVF lays out an IVF segment as:
//
//	magic uint32 | dim uint32 | nlist uint32 | count uint32
//	centroids [nlist*dim]float32
//	ids       [count]uint64
//	vecs      [count*dim]float32
func encodeIVF(ids []uint64, vectors, centroids []float32, dim, nlist int) []byte {
	count := len(ids)
	buf := make([]byte, 16+len(centroids)*4+count*8+count*dim*4)
	binary.LittleEndian.PutUint32(buf[0:], ivfMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(dim))
	binary.LittleEndian.PutUint32(buf[8:], uint32(nlist))
	binary.LittleEndian.PutUint32(buf[12:], uint32(count))

	off := 16
	for _, c := range centroids {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(c))
		off += 4
	}
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[off:], id)
		off += 8
	}
	for _, v := range vectors {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}
	return buf
}

// decodeFlatOrIVF sniffs the segment magic and decodes accordingly,
// discarding any trained centroids: a merge only needs raw ids/vectors, and
// re-derives centroids for the destination once the whole batch is known.
func decodeFlatOrIVF(data []byte) (ids []uint64, vectors []float32, dim int, err error) {
	if len(data) >= 4 && binary.LittleEndian.Uint32(data[0:]) == ivfMagic {
		ids, vectors, _, dim, _, err = decodeIVF(data)
		return ids, vectors, dim, err
	}
	return decodeFlat(data)
}

func decodeIVF(data []byte) (ids []uint64, vectors, centroids []float32, dim, nlist int, err error) {
	if len(data) < 16 {
		return nil, nil, nil, 0, 0, dberr.New(dberr.CodeDBError, "execengine: truncated ivf header")
	}
	magic := binary.LittleEndian.Uint32(data[0:])
	if magic != ivfMagic {
		return nil, nil, nil, 0, 0, dberr.New(dberr.CodeDBError, "execengine: bad ivf magic %x", magic)
	}
	dim = int(binary.LittleEndian.Uint32(data[4:]))
	nlist = int(binary.LittleEndian.Uint32(data[8:]))
	count := int(binary.LittleEndian.Uint32(data[12:]))

	need := 16 + nlist*dim*4 + count*8 + count*dim*4
	if len(data) < need {
		return nil, nil, nil, 0, 0, dberr.New(dberr.CodeDBError, "execengine: truncated ivf body")
	}

	off := 16
	centroids = make([]float32, nlist*dim)
	for i := range centroids {
		centroids[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}
	ids = make([]uint64, count)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	vectors = make([]float32, count*dim)
	for i := range vectors {
		vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}
	return ids, vectors, centroids, dim, nlist, nil
}
