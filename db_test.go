package vecdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecdbio/vecdb/blobstore"
	"github.com/vecdbio/vecdb/meta"
	"github.com/vecdbio/vecdb/metric"
	"github.com/vecdbio/vecdb/util"
)

// newTestEngine builds a DBEngine over an in-memory metadata store and an
// in-memory blob store, with the background timer intervals stretched far
// beyond any test's runtime so every test drives flushing, compaction and
// index building itself, calling tickCompaction, BackgroundCompaction and
// BackgroundBuildIndex directly.
func newTestEngine(t *testing.T, extra ...Option) *DBEngine {
	t.Helper()
	opts := append([]Option{
		WithMetaURI(""),
		WithBlobStore(blobstore.NewMemoryStore()),
		WithIntervals(time.Hour, time.Hour, time.Hour),
		WithMergeTriggerNumber(1),
		WithCreateIndexPollCeiling(50 * time.Millisecond),
	}, extra...)
	db, err := Open(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Stop() })
	return db
}

// distinctVectors returns n pairwise-distinct rows so a top-1 self-search
// can never tie between two different inserted ids.
func distinctVectors(n, dim int) []float32 {
	out := make([]float32, n*dim)
	for i := 0; i < n; i++ {
		for d := 0; d < dim; d++ {
			out[i*dim+d] = float32(i+1) + float32(d)*0.01
		}
	}
	return out
}

// randomVectors generates n deterministic pseudo-random rows via the
// project's own RNG helper, flattened to row-major order.
func randomVectors(n, dim int, seed uint32) []float32 {
	rows := util.NewRNG(int64(seed)).GenerateRandomVectors(n, dim)
	out := make([]float32, 0, n*dim)
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}

func TestCreateTable_DuplicateFails(t *testing.T) {
	db := newTestEngine(t)
	require.NoError(t, db.CreateTable("t1", 4, metric.L2, 1))

	err := db.CreateTable("t1", 4, metric.L2, 1)
	require.Error(t, err)
	assert.Equal(t, CodeTableExists, StatusCode(err))
}

func TestDropIndex_OnUnindexedTableSucceeds(t *testing.T) {
	db := newTestEngine(t)
	require.NoError(t, db.CreateTable("t1", 4, metric.L2, 1))

	require.NoError(t, db.DropIndex("t1"))
	idx, err := db.DescribeIndex("t1")
	require.NoError(t, err)
	assert.Equal(t, metric.L2, idx.Metric)
}

func TestDeleteTable_DoubleDeleteIsNoop(t *testing.T) {
	db := newTestEngine(t)
	require.NoError(t, db.CreateTable("t1", 4, metric.L2, 1))

	require.NoError(t, db.DeleteTable("t1", nil))
	require.NoError(t, db.DeleteTable("t1", nil))
}

// TestRoundTrip_FlatExactMatch covers S1: inserting into a FLAT table, then
// flushing and merging until the data is searchable, returns each inserted
// vector as its own top-1 neighbor at distance 0.
func TestRoundTrip_FlatExactMatch(t *testing.T) {
	db := newTestEngine(t)
	const dim = 4
	require.NoError(t, db.CreateTable("t1", dim, metric.L2, 1))

	vectors := distinctVectors(5, dim)
	ids, err := db.InsertVectors("t1", 5, vectors)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	// Flush the insert buffer to a NEW file, then merge it into a
	// searchable RAW file.
	db.tickCompaction()
	require.NoError(t, db.BackgroundCompaction([]string{"t1"}))

	rows, err := db.GetTableRowCount("t1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, rows)

	for i, id := range ids {
		q := vectors[i*dim : (i+1)*dim]
		resIDs, dists, err := db.Query(context.Background(), "t1", q, 1, 1, 1, nil, nil)
		require.NoError(t, err)
		require.Len(t, resIDs, 1)
		assert.Equal(t, id, resIDs[0])
		assert.InDelta(t, 0, dists[0], 1e-4)
	}
}

// TestRowCountConservation_AcrossCompactionAndIndex covers S2/S3: five
// insert+flush cycles into an IVF table, followed by CreateIndex, must
// conserve the total row count and end with no file left in a
// pre-INDEX/pre-RAW state.
func TestRowCountConservation_AcrossCompactionAndIndex(t *testing.T) {
	db := newTestEngine(t, WithMergeTriggerNumber(2))
	const dim = 8
	require.NoError(t, db.CreateTable("t1", dim, metric.L2, 0)) // 0MB threshold: every RAW file is immediately index-eligible

	require.NoError(t, db.metaStore.UpdateTableIndex("t1", meta.IndexDescriptor{EngineType: meta.IVFFlat, NList: 2}))

	total := 0
	for cycle := 0; cycle < 5; cycle++ {
		n := 6
		total += n
		_, err := db.InsertVectors("t1", n, randomVectors(n, dim, uint32(cycle+1)))
		require.NoError(t, err)
		db.tickCompaction()
	}
	require.NoError(t, db.BackgroundCompaction([]string{"t1"}))
	// Drive the build-index pipeline directly: nothing else does so, since
	// the background timer is disabled for this test.
	require.NoError(t, db.BackgroundBuildIndex(context.Background()))

	require.NoError(t, db.CreateIndex("t1", meta.IndexDescriptor{EngineType: meta.IVFFlat, NList: 2}))

	pending := db.metaStore.FilesByType("t1", []meta.FileState{
		meta.FileNew, meta.FileNewMerge, meta.FileRaw, meta.FileNewIndex, meta.FileToIndex,
	})
	assert.Empty(t, pending)

	rows, err := db.GetTableRowCount("t1")
	require.NoError(t, err)
	assert.EqualValues(t, total, rows)
}

// TestPreloadTable_AccumulatedOverflowRefusesWithoutEviction covers S4: a
// second table's file individually fits under the cache's total capacity,
// but not under the capacity remaining after a first table has already been
// preloaded. Preload must refuse it rather than evicting the first table's
// resident entry to make room (that eviction is what cache.Manager.Insert
// alone would do).
func TestPreloadTable_AccumulatedOverflowRefusesWithoutEviction(t *testing.T) {
	const dim = 4
	// physicalSizeOf(3, 4) == 3*(4*4+8) == 72 bytes per table's file: one
	// fits comfortably, two together do not.
	db := newTestEngine(t, WithCacheCapacity(100, 0))

	require.NoError(t, db.CreateTable("t1", dim, metric.L2, 1))
	require.NoError(t, db.CreateTable("t2", dim, metric.L2, 1))

	_, err := db.InsertVectors("t1", 3, randomVectors(3, dim, 21))
	require.NoError(t, err)
	db.tickCompaction()
	require.NoError(t, db.BackgroundCompaction([]string{"t1"}))

	_, err = db.InsertVectors("t2", 3, randomVectors(3, dim, 22))
	require.NoError(t, err)
	db.tickCompaction()
	require.NoError(t, db.BackgroundCompaction([]string{"t2"}))

	require.NoError(t, db.PreloadTable("t1", false))
	usageAfterT1 := db.cpuCache.Usage()
	require.EqualValues(t, 72, usageAfterT1)

	err = db.PreloadTable("t2", false)
	require.Error(t, err)
	assert.True(t, IsCacheFull(err))

	// t1's already-admitted entry must survive untouched: refusing t2 is not
	// the same as evicting to make room for it.
	assert.Equal(t, usageAfterT1, db.cpuCache.Usage())
}

func TestPreloadTable_CacheFull(t *testing.T) {
	db := newTestEngine(t, WithCacheCapacity(1, 0)) // 1 byte: nothing can ever fit
	const dim = 4
	require.NoError(t, db.CreateTable("t1", dim, metric.L2, 1))

	_, err := db.InsertVectors("t1", 3, randomVectors(3, dim, 7))
	require.NoError(t, err)
	db.tickCompaction()
	require.NoError(t, db.BackgroundCompaction([]string{"t1"}))

	err = db.PreloadTable("t1", false)
	require.Error(t, err)
	assert.True(t, IsCacheFull(err))
	assert.LessOrEqual(t, db.cpuCache.Usage(), db.cpuCache.Capacity())
}

// TestInsertVectors_RejectedAfterStop covers S5: once Stop begins, inserts
// fail with SHUTDOWN and no partial state is produced.
func TestInsertVectors_RejectedAfterStop(t *testing.T) {
	db := newTestEngine(t)
	require.NoError(t, db.CreateTable("t1", 4, metric.L2, 1))

	require.NoError(t, db.Stop())

	_, err := db.InsertVectors("t1", 2, randomVectors(2, 4, 3))
	require.Error(t, err)
	assert.True(t, IsShutdown(err))
}

func TestQuery_RejectedAfterStop(t *testing.T) {
	db := newTestEngine(t)
	require.NoError(t, db.CreateTable("t1", 4, metric.L2, 1))
	require.NoError(t, db.Stop())

	_, _, err := db.Query(context.Background(), "t1", randomVectors(1, 4, 9), 1, 1, 1, nil, nil)
	require.Error(t, err)
	assert.True(t, IsShutdown(err))
}

// TestDeleteTable_ThenQueryEmpty_AndTTLCleanup covers S6: deleting a table
// makes it immediately unqueryable, and CleanUpFilesWithTTL removes its
// files once their retention window has elapsed.
func TestDeleteTable_ThenQueryEmpty_AndTTLCleanup(t *testing.T) {
	db := newTestEngine(t)
	const dim = 4
	require.NoError(t, db.CreateTable("t1", dim, metric.L2, 1))

	_, err := db.InsertVectors("t1", 4, randomVectors(4, dim, 2))
	require.NoError(t, err)
	db.tickCompaction()
	require.NoError(t, db.BackgroundCompaction([]string{"t1"}))

	require.NoError(t, db.DeleteTable("t1", nil))

	resIDs, _, err := db.Query(context.Background(), "t1", randomVectors(1, dim, 9), 1, 1, 1, nil, nil)
	require.NoError(t, err)
	for _, id := range resIDs {
		assert.Zero(t, id, "no file should be searchable once every file is TO_DELETE")
	}

	removed, err := db.metaStore.CleanUpFilesWithTTL(0)
	require.NoError(t, err)
	assert.NotEmpty(t, removed)

	remaining := db.metaStore.FilesByType("t1", []meta.FileState{
		meta.FileNew, meta.FileRaw, meta.FileNewMerge, meta.FileToIndex, meta.FileNewIndex, meta.FileIndex, meta.FileToDelete,
	})
	assert.Empty(t, remaining)
}

func TestQuery_InvalidFileID(t *testing.T) {
	db := newTestEngine(t)
	const dim = 4
	require.NoError(t, db.CreateTable("t1", dim, metric.L2, 1))

	_, err := db.InsertVectors("t1", 2, randomVectors(2, dim, 4))
	require.NoError(t, err)
	db.tickCompaction()
	require.NoError(t, db.BackgroundCompaction([]string{"t1"}))

	_, _, err = db.Query(context.Background(), "t1", randomVectors(1, dim, 5), 1, 1, 1, nil, []uint64{999999})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidFileID, StatusCode(err))
}

// TestMergeFiles_FailurePreservesSources ensures a merge failure only marks
// the new target TO_DELETE and never touches its would-be sources, so the
// data those sources hold is not lost.
func TestMergeFiles_FailurePreservesSources(t *testing.T) {
	db := newTestEngine(t)
	const dim = 4
	require.NoError(t, db.CreateTable("t1", dim, metric.L2, 1))

	_, err := db.InsertVectors("t1", 2, randomVectors(2, dim, 6))
	require.NoError(t, err)
	db.tickCompaction()

	byDate := db.metaStore.FilesToMerge("t1")
	var date string
	var srcs []meta.File
	for d, group := range byDate {
		date, srcs = d, group
	}
	require.NotEmpty(t, srcs)

	bogus := srcs
	bogus[0].Location = "does/not/exist"
	err = db.MergeFiles("t1", date, bogus)
	require.Error(t, err)

	// The original source file (as recorded by the metadata store) must
	// still be mergeable, since MergeFiles never touched it on failure.
	stillMergeable := db.metaStore.FilesToMerge("t1")
	assert.NotEmpty(t, stillMergeable)
}

func TestDropAll(t *testing.T) {
	db := newTestEngine(t)
	require.NoError(t, db.CreateTable("t1", 4, metric.L2, 1))
	require.NoError(t, db.CreateTable("t2", 4, metric.L2, 1))

	require.NoError(t, db.DropAll())
	assert.Empty(t, db.AllTables())
}

func TestStop_Idempotent(t *testing.T) {
	db := newTestEngine(t)
	require.NoError(t, db.Stop())
	require.NoError(t, db.Stop())
	require.NoError(t, db.Close())
}

func TestBackgroundCompaction_FlatEngineNeverEntersToIndex(t *testing.T) {
	db := newTestEngine(t)
	const dim = 4
	require.NoError(t, db.CreateTable("t1", dim, metric.L2, 0))

	_, err := db.InsertVectors("t1", 3, randomVectors(3, dim, 11))
	require.NoError(t, err)
	db.tickCompaction()
	require.NoError(t, db.BackgroundCompaction([]string{"t1"}))

	toIndex := db.metaStore.FilesToIndex()
	for _, f := range toIndex {
		assert.NotEqual(t, "t1", f.TableID, "FLAT files must never reach TO_INDEX")
	}
}
