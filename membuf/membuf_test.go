package membuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vecdbio/vecdb/blobstore"
	"github.com/vecdbio/vecdb/execengine"
	"github.com/vecdbio/vecdb/internal/fs"
	"github.com/vecdbio/vecdb/meta"
	"github.com/vecdbio/vecdb/metric"
)

func newTestStore(t *testing.T) *meta.Store {
	t.Helper()
	s, err := meta.New(fs.Default, "", nil)
	require.NoError(t, err)
	return s
}

func TestMemBuffer_InsertAssignsDisjointIDs(t *testing.T) {
	ms := newTestStore(t)
	require.NoError(t, ms.CreateTable(meta.Table{
		ID: "t", Dimension: 2, Metric: metric.L2,
		Index: meta.IndexDescriptor{EngineType: meta.Flat, Metric: metric.L2},
	}))

	engines := execengine.Store{Blobs: blobstore.NewMemoryStore(), Metric: metric.L2}
	mb := New(ms, engines)

	ids1, err := mb.Insert("t", 2, []float32{0, 0, 1, 1})
	require.NoError(t, err)
	ids2, err := mb.Insert("t", 2, []float32{2, 2, 3, 3})
	require.NoError(t, err)

	seen := map[uint64]bool{}
	for _, id := range append(ids1, ids2...) {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestMemBuffer_SerializeFlushesToNEWFile(t *testing.T) {
	ms := newTestStore(t)
	require.NoError(t, ms.CreateTable(meta.Table{
		ID: "t", Dimension: 2, Metric: metric.L2,
		Index: meta.IndexDescriptor{EngineType: meta.Flat, Metric: metric.L2},
	}))

	engines := execengine.Store{Blobs: blobstore.NewMemoryStore(), Metric: metric.L2}
	mb := New(ms, engines)

	_, err := mb.Insert("t", 3, []float32{0, 0, 1, 1, 2, 2})
	require.NoError(t, err)

	affected, err := mb.Serialize()
	require.NoError(t, err)
	require.Contains(t, affected, "t")

	files := ms.FilesByType("t", []meta.FileState{meta.FileNew})
	require.Len(t, files, 1)

	var rows uint64
	for _, group := range ms.FilesToMerge("t") {
		for _, f := range group {
			rows += f.RowCount
		}
	}
	require.EqualValues(t, 3, rows)

	// A NEW file is mergeable but not yet searchable, so Count excludes it.
	count, err := ms.Count("t")
	require.NoError(t, err)
	require.EqualValues(t, 0, count)

	// A second Serialize with nothing buffered is a no-op.
	affected2, err := mb.Serialize()
	require.NoError(t, err)
	require.Empty(t, affected2)
}

func TestMemBuffer_EraseMemVector(t *testing.T) {
	ms := newTestStore(t)
	require.NoError(t, ms.CreateTable(meta.Table{ID: "t", Dimension: 2, Metric: metric.L2}))

	engines := execengine.Store{Blobs: blobstore.NewMemoryStore(), Metric: metric.L2}
	mb := New(ms, engines)

	_, err := mb.Insert("t", 1, []float32{0, 0})
	require.NoError(t, err)
	mb.EraseMemVector("t")

	affected, err := mb.Serialize()
	require.NoError(t, err)
	require.Empty(t, affected)
}
