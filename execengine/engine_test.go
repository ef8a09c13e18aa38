package execengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vecdbio/vecdb/blobstore"
	"github.com/vecdbio/vecdb/meta"
	"github.com/vecdbio/vecdb/metric"
)

func vec(vals ...float32) []float32 { return vals }

func TestFlatEngine_RoundTrip(t *testing.T) {
	blobs := blobstore.NewMemoryStore()
	store := Store{Blobs: blobs, Metric: metric.L2}
	f := meta.File{Location: "t/20260101/1", EngineType: meta.Flat, Dimension: 2}

	e := newFlatEngine(f, store)
	e.ids = []uint64{1, 2, 3}
	e.vectors = []float32{0, 0, 1, 1, 5, 5}

	require.NoError(t, e.Serialize())

	e2, err := New(f, store)
	require.NoError(t, err)
	require.NoError(t, e2.Load(false, nil))
	require.EqualValues(t, 3, e2.Count())

	ids, dists, err := e2.Search(vec(0, 0), 1, 1, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, ids)
	require.InDelta(t, 0, dists[0], 1e-6)
}

func TestFlatEngine_Merge(t *testing.T) {
	blobs := blobstore.NewMemoryStore()
	store := Store{Blobs: blobs, Metric: metric.L2}

	src1 := meta.File{Location: "t/20260101/1", Dimension: 2}
	e1 := newFlatEngine(src1, store)
	e1.ids = []uint64{1}
	e1.vectors = []float32{0, 0}
	require.NoError(t, e1.Serialize())

	src2 := meta.File{Location: "t/20260101/2", Dimension: 2}
	e2 := newFlatEngine(src2, store)
	e2.ids = []uint64{2}
	e2.vectors = []float32{10, 10}
	require.NoError(t, e2.Serialize())

	dst := meta.File{Location: "t/20260101/3", EngineType: meta.Flat, Dimension: 2}
	merged := newFlatEngine(dst, store)
	require.NoError(t, merged.Merge(src1.Location))
	require.NoError(t, merged.Merge(src2.Location))
	require.EqualValues(t, 2, merged.Count())
}

func TestIVFEngine_TrainAndSearch(t *testing.T) {
	blobs := blobstore.NewMemoryStore()
	store := Store{Blobs: blobs, Metric: metric.L2}
	f := meta.File{Location: "t/20260101/9", EngineType: meta.IVFFlat, Dimension: 2, NList: 2}

	e := newIVFEngine(f, store)
	for i := 0; i < 20; i++ {
		var v []float32
		if i%2 == 0 {
			v = []float32{0 + float32(i)*0.01, 0}
		} else {
			v = []float32{100 + float32(i)*0.01, 100}
		}
		e.ids = append(e.ids, uint64(i))
		e.vectors = append(e.vectors, v...)
	}

	require.NoError(t, e.Serialize())
	require.NotNil(t, e.centroids)

	e2, err := New(f, store)
	require.NoError(t, err)
	require.NoError(t, e2.Load(false, nil))

	ids, _, err := e2.Search(vec(0, 0), 1, 1, 2)
	require.NoError(t, err)
	require.True(t, ids[0]%2 == 0)
}

func TestNew_UnknownEngineType(t *testing.T) {
	blobs := blobstore.NewMemoryStore()
	store := Store{Blobs: blobs, Metric: metric.L2}
	_, err := New(meta.File{EngineType: "BOGUS"}, store)
	require.Error(t, err)
}
