// Package membuf implements the per-table in-memory write buffer that
// sits in front of the metadata store: inserts land here first and are
// only durable once a periodic Serialize flushes a table's buffer out as a
// new file in state NEW.
package membuf

import (
	"sync"

	"github.com/vecdbio/vecdb/dberr"
	"github.com/vecdbio/vecdb/execengine"
	"github.com/vecdbio/vecdb/meta"
)

// tableBuffer is one table's unflushed vectors.
type tableBuffer struct {
	ids     []uint64
	vectors []float32 // row-major, len == len(ids)*dimension
	gen     *idGen
}

// MemBuffer holds one tableBuffer per table with pending inserts. It never
// stores fully-flushed tables, so its footprint is proportional to
// unflushed data only.
type MemBuffer struct {
	metaStore *meta.Store
	engines   execengine.Store

	mu      sync.Mutex
	buffers map[string]*tableBuffer
}

// New creates a MemBuffer that flushes into the given metadata store, using
// engines to serialize flushed data into blob storage.
func New(metaStore *meta.Store, engines execengine.Store) *MemBuffer {
	return &MemBuffer{
		metaStore: metaStore,
		engines:   engines,
		buffers:   make(map[string]*tableBuffer),
	}
}

// Insert appends n vectors to table's buffer and returns their newly
// assigned ids, assigned from a per-table monotonically increasing
// timestamp-derived generator so distinct concurrent inserters into the
// same table never collide.
func (b *MemBuffer) Insert(table string, n int, vectors []float32) ([]uint64, error) {
	b.mu.Lock()
	buf, ok := b.buffers[table]
	if !ok {
		buf = &tableBuffer{gen: newIDGen()}
		b.buffers[table] = buf
	}
	b.mu.Unlock()

	ids := buf.gen.next(n)

	b.mu.Lock()
	defer b.mu.Unlock()
	buf.ids = append(buf.ids, ids...)
	buf.vectors = append(buf.vectors, vectors...)
	return ids, nil
}

// EraseMemVector drops table's unflushed buffer entirely, discarding any
// data not yet durable. Used by DeleteTable, where losing unflushed inserts
// for a table being deleted is the correct behavior.
func (b *MemBuffer) EraseMemVector(table string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buffers, table)
}

// Serialize flushes every table with a non-empty buffer: for each, it
// allocates a NEW file via the metadata store and serializes the buffered
// vectors into it through an ExecutionEngine. The file stays in state NEW
// until a later merge promotes it to RAW. It returns the set of table ids
// that were flushed.
//
// A table's buffer is only cleared after both the file write and the
// metadata transition succeed; a failure for one table leaves that table's
// buffer intact for the next tick and does not affect other tables.
func (b *MemBuffer) Serialize() (affected map[string]struct{}, err error) {
	b.mu.Lock()
	pending := make(map[string]*tableBuffer, len(b.buffers))
	for table, buf := range b.buffers {
		if len(buf.ids) == 0 {
			continue
		}
		pending[table] = buf
	}
	b.mu.Unlock()

	affected = make(map[string]struct{})
	var firstErr error

	for table, buf := range pending {
		if flushErr := b.flushTable(table, buf); flushErr != nil {
			if firstErr == nil {
				firstErr = flushErr
			}
			continue
		}
		affected[table] = struct{}{}

		b.mu.Lock()
		if cur, ok := b.buffers[table]; ok && cur == buf {
			delete(b.buffers, table)
		}
		b.mu.Unlock()
	}

	return affected, firstErr
}

func (b *MemBuffer) flushTable(table string, buf *tableBuffer) error {
	t, err := b.metaStore.DescribeTable(table)
	if err != nil {
		return err
	}

	date := currentDate()
	f, err := b.metaStore.CreateTableFile(table, date, false)
	if err != nil {
		return err
	}

	// A flush target always carries plain, untrained vector storage: it is
	// merged (flat-decoded) before any indexing happens, regardless of the
	// table's configured index engine, so it is written with the FLAT
	// engine even when the table itself is IVF.
	f.EngineType = meta.Flat
	f.Metric = t.Metric
	f.NList = 0
	f.Dimension = t.Dimension

	eng, err := execengine.New(f, b.engines)
	if err != nil {
		return err
	}
	if fe, ok := eng.(interface {
		SetData(ids []uint64, vectors []float32)
	}); ok {
		fe.SetData(buf.ids, buf.vectors)
	}

	if err := eng.Serialize(); err != nil {
		f.State = meta.FileToDelete
		_ = b.metaStore.UpdateTableFile(f)
		return dberr.WrapMeta(err, "membuf: serialize flush for table %s", table)
	}

	// f.State stays NEW: a lone flush is mergeable but not yet searchable.
	// It only reaches RAW once BackgroundCompaction folds it into a
	// NEW_MERGE target that serializes successfully.
	f.RowCount = eng.Count()
	f.FileSizeBytes = uint64(eng.PhysicalSize())
	return b.metaStore.UpdateTableFile(f)
}
