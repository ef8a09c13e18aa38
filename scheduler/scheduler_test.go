package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vecdbio/vecdb/blobstore"
	"github.com/vecdbio/vecdb/cache"
	"github.com/vecdbio/vecdb/execengine"
	"github.com/vecdbio/vecdb/meta"
	"github.com/vecdbio/vecdb/metric"
)

func writeFlatFile(t *testing.T, blobs blobstore.BlobStore, loc string, ids []uint64, vectors []float32, dim int) meta.File {
	t.Helper()
	f := meta.File{Location: loc, EngineType: meta.Flat, Dimension: uint32(dim), Metric: metric.L2}
	store := execengine.Store{Blobs: blobs, Metric: metric.L2}
	eng, err := execengine.New(f, store)
	require.NoError(t, err)
	eng.(interface{ SetData([]uint64, []float32) }).SetData(ids, vectors)
	require.NoError(t, eng.Serialize())
	return f
}

func TestScheduler_SearchMergesAcrossFiles(t *testing.T) {
	blobs := blobstore.NewMemoryStore()
	f1 := writeFlatFile(t, blobs, "t/1", []uint64{1, 2}, []float32{0, 0, 10, 10}, 2)
	f2 := writeFlatFile(t, blobs, "t/2", []uint64{3, 4}, []float32{0.1, 0.1, 20, 20}, 2)

	sched := New(2, 1, execengine.Store{Blobs: blobs, Metric: metric.L2}, nil)
	defer sched.Close()

	job := NewSearchJob([]float32{0, 0}, 1, 2, 1, []meta.File{f1, f2})
	require.NoError(t, sched.SubmitSearch(context.Background(), job))
	require.NoError(t, job.Wait())

	require.Equal(t, JobDone, job.Status())
	require.Len(t, job.IDs, 2)
	require.Equal(t, uint64(1), job.IDs[0])
	require.Equal(t, uint64(3), job.IDs[1])
}

func TestScheduler_SearchUsesCache(t *testing.T) {
	blobs := blobstore.NewMemoryStore()
	f1 := writeFlatFile(t, blobs, "t/1", []uint64{1}, []float32{0, 0}, 2)

	mgr, err := cache.NewManager(1 << 20)
	require.NoError(t, err)

	sched := New(1, 1, execengine.Store{Blobs: blobs, Metric: metric.L2}, mgr)
	defer sched.Close()

	job := NewSearchJob([]float32{0, 0}, 1, 1, 1, []meta.File{f1})
	require.NoError(t, sched.SubmitSearch(context.Background(), job))
	require.NoError(t, job.Wait())

	_, ok := mgr.Lookup(f1.Location)
	require.True(t, ok)
}

func TestScheduler_DeleteBroadcastsToAllResources(t *testing.T) {
	sched := New(1, 1, execengine.Store{Blobs: blobstore.NewMemoryStore(), Metric: metric.L2}, nil)
	defer sched.Close()

	var released1, released2 bool
	sched.RegisterResource(fakeResource{func(tableID string) { released1 = true }})
	sched.RegisterResource(fakeResource{func(tableID string) { released2 = true }})

	require.EqualValues(t, 2, sched.NumComputeResources())

	job := NewDeleteJob("t", sched.NumComputeResources())
	require.NoError(t, sched.SubmitDelete(context.Background(), job))
	require.NoError(t, job.Wait())

	require.True(t, released1)
	require.True(t, released2)
}

type fakeResource struct {
	fn func(tableID string)
}

func (f fakeResource) ReleaseTable(tableID string) { f.fn(tableID) }

func TestScheduler_BuildIndexRecordsPerFileFailure(t *testing.T) {
	blobs := blobstore.NewMemoryStore()
	good := writeFlatFile(t, blobs, "t/1", []uint64{1}, []float32{0, 0}, 2)
	bad := meta.File{Location: "does/not/exist", EngineType: meta.Flat, Dimension: 2}

	sched := New(1, 1, execengine.Store{Blobs: blobs, Metric: metric.L2}, nil)
	defer sched.Close()

	job := NewBuildIndexJob([]meta.File{good, bad})
	require.NoError(t, sched.SubmitBuildIndex(context.Background(), job))
	require.NoError(t, job.Wait())
	require.Len(t, job.Failed, 1)
	require.Equal(t, bad.Location, job.Failed[0].Location)
}

func TestWorkerPool_SubmitAfterCloseFails(t *testing.T) {
	wp := NewWorkerPool(1)
	wp.Close()
	err := wp.Submit(context.Background(), func() {})
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	wp := NewWorkerPool(1)
	defer wp.Close()

	block := make(chan struct{})
	require.NoError(t, wp.Submit(context.Background(), func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	// The single worker is busy and the queue is small; fill it, then expect
	// context cancellation to unblock Submit rather than hanging forever.
	for i := 0; i < 10; i++ {
		_ = wp.Submit(ctx, func() {})
	}
	err := wp.Submit(ctx, func() {})
	close(block)
	if err != nil {
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
}
