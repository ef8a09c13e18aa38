package execengine

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/vecdbio/vecdb/cache"
	"github.com/vecdbio/vecdb/dberr"
	"github.com/vecdbio/vecdb/meta"
)

// flatMagic identifies a FLAT segment file so a mismatched Open fails loudly
// instead of silently misreading another engine's bytes.
const flatMagic = uint32(0x464c4154) // "FLAT"

// flatEngine is the exact brute-force engine: every vector is scanned on
// every query. It backs both small pre-merge files (RAW) and any table
// whose IndexDescriptor.EngineType is FLAT, which never promotes to
// TO_INDEX regardless of size.
type flatEngine struct {
	file  meta.File
	store Store

	mu      sync.RWMutex
	dim     int
	ids     []uint64
	vectors []float32 // row-major, len == len(ids)*dim
}

func newFlatEngine(f meta.File, store Store) *flatEngine {
	return &flatEngine{file: f, store: store, dim: int(f.Dimension)}
}

// SetData seeds the engine's in-memory state directly, bypassing Load/Merge.
// Used by MemBuffer to hand a flat engine the vectors it is about to
// Serialize as a brand-new file.
func (e *flatEngine) SetData(ids []uint64, vectors []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = ids
	e.vectors = vectors
}

func (e *flatEngine) Load(toCache bool, mgr *cache.Manager) error {
	blob, err := e.store.Blobs.Open(e.file.Location)
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: open %s", e.file.Location)
	}
	defer blob.Close()

	var data []byte
	if m, ok := blob.(interface{ Bytes() ([]byte, error) }); ok {
		data, err = m.Bytes()
	} else {
		data, err = e.store.readAllThrottled(blob, blob.Size())
	}
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: read %s", e.file.Location)
	}

	ids, vectors, dim, err := decodeFlat(data)
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: decode %s", e.file.Location)
	}

	e.mu.Lock()
	e.ids, e.vectors, e.dim = ids, vectors, dim
	e.mu.Unlock()

	if toCache && mgr != nil {
		return mgr.Insert(e.file.Location, e)
	}
	return nil
}

func (e *flatEngine) Merge(otherLocation string) error {
	blob, err := e.store.Blobs.Open(otherLocation)
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: open merge source %s", otherLocation)
	}
	defer blob.Close()

	data, err := e.store.readAllThrottled(blob, blob.Size())
	if err != nil {
		return dberr.Wrap(dberr.CodeIOError, err, "execengine: read merge source %s", otherLocation)
	}

	// A source may itself be an IVF-encoded RAW file left over from a table
	// that has since been reindexed to FLAT via CreateIndex/DropIndex.
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

func (e *flatEngine) Serialize() error {
	e.mu.RLock()
	data := encodeFlat(e.ids, e.vectors, e.dim)
	e.mu.RUnlock()

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

func (e *flatEngine) Search(vectors []float32, nq, k, _ int) ([]uint64, []float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.dim != 0 && len(vectors) != nq*e.dim {
		return nil, nil, dberr.Wrap(dberr.CodeDBError, errDimensionMismatch, "execengine: search")
	}

	resultIDs := make([]uint64, 0, nq*k)
	resultDists := make([]float32, 0, nq*k)

	for q := 0; q < nq; q++ {
		query := vectors[q*e.dim : (q+1)*e.dim]
		acc := newTopK(k, e.store.Metric)
		for i, id := range e.ids {
			v := e.vectors[i*e.dim : (i+1)*e.dim]
			acc.offer(id, distanceFor(e.store.Metric, query, v))
		}
		ids, dists := acc.result(k)
		resultIDs = append(resultIDs, ids...)
		resultDists = append(resultDists, dists...)
	}
	return resultIDs, resultDists, nil
}

func (e *flatEngine) Size() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint64(len(e.ids))
}

func (e *flatEngine) PhysicalSize() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return physicalSizeOf(len(e.ids), e.dim)
}

func (e *flatEngine) Count() uint64 { return e.Size() }

func (e *flatEngine) Cache(mgr *cache.Manager) {
	if mgr != nil {
		_ = mgr.Insert(e.file.Location, e)
	}
}

// encodeFlat lays out a FLAT segment as:
//
//	magic uint32 | dim uint32 | count uint32
//	ids   [count]uint64
//	vecs  [count*dim]float32
func encodeFlat(ids []uint64, vectors []float32, dim int) []byte {
	count := len(ids)
	buf := make([]byte, 12+count*8+count*dim*4)
	binary.LittleEndian.PutUint32(buf[0:], flatMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(dim))
	binary.LittleEndian.PutUint32(buf[8:], uint32(count))

	off := 12
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

func decodeFlat(data []byte) (ids []uint64, vectors []float32, dim int, err error) {
	if len(data) < 12 {
		return nil, nil, 0, dberr.New(dberr.CodeDBError, "execengine: truncated segment header")
	}
	magic := binary.LittleEndian.Uint32(data[0:])
	if magic != flatMagic {
		return nil, nil, 0, dberr.New(dberr.CodeDBError, "execengine: bad segment magic %x", magic)
	}
	dim = int(binary.LittleEndian.Uint32(data[4:]))
	count := int(binary.LittleEndian.Uint32(data[8:]))

	need := 12 + count*8 + count*dim*4
	if len(data) < need {
		return nil, nil, 0, dberr.New(dberr.CodeDBError, "execengine: truncated segment body")
	}

	off := 12
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
	return ids, vectors, dim, nil
}
