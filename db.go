// Package vecdb implements a vector-similarity-search database engine:
// fixed-dimension tables of vectors, a write-behind memory buffer, a
// background compaction/index-build pipeline, and top-K search fanned out
// across a table's searchable files.
//
// DBEngine is the central orchestrator: every public operation is a method
// on it, delegating to the metadata store (meta.Store), the insert buffer
// (membuf.MemBuffer), the per-file execution engines (execengine), and the
// job scheduler (scheduler.Scheduler).
package vecdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vecdbio/vecdb/blobstore"
	"github.com/vecdbio/vecdb/cache"
	"github.com/vecdbio/vecdb/execengine"
	"github.com/vecdbio/vecdb/internal/conv"
	"github.com/vecdbio/vecdb/internal/fs"
	"github.com/vecdbio/vecdb/membuf"
	"github.com/vecdbio/vecdb/meta"
	"github.com/vecdbio/vecdb/metric"
	"github.com/vecdbio/vecdb/resource"
	"github.com/vecdbio/vecdb/scheduler"
)

// DBEngine is a running instance of the database engine (§4.6's C6). It
// owns every subsystem's top-level object and is the only type most callers
// need to import.
type DBEngine struct {
	opts options
	mode Mode

	shuttingDown atomic.Bool

	metaStore *meta.Store
	memBuf    *membuf.MemBuffer
	cpuCache  *cache.Manager
	gpuCache  *cache.Manager
	blobs     blobstore.BlobStore
	engines   execengine.Store
	sched     *scheduler.Scheduler
	resCtl    *resource.Controller

	// buildIndexMu is held for the full duration of BackgroundBuildIndex and
	// by CreateIndex only across its descriptor check-and-update, so a
	// descriptor change never lands in the middle of a build run.
	buildIndexMu sync.Mutex
	// memSerializeMu serializes MemBuffer.Serialize calls against a
	// concurrent manual flush, if one is ever exposed.
	memSerializeMu sync.Mutex

	// compactResultMu guards compactTableIDs, the set of table ids the last
	// few timer ticks have flushed but the compaction worker has not yet
	// picked up.
	compactResultMu sync.Mutex
	compactTableIDs map[string]struct{}

	// indexResultMu serializes committing a BuildIndexJob's outcome back
	// into the metadata store against a second job's commit.
	indexResultMu sync.Mutex

	// compactTrigger/indexTrigger are the single-slot pipelines of §9: one
	// long-running worker per channel, capacity 1, filled by a non-blocking
	// send from the timer. A dropped tick is not lost work — the pending
	// table-id set (or, for indexing, the TO_INDEX file list itself) is
	// still there the next time the worker looks.
	compactTrigger chan struct{}
	indexTrigger   chan struct{}

	timerCancel context.CancelFunc
	timerDone   chan struct{}
	workersDone sync.WaitGroup
}

// Open constructs a DBEngine from opts, opening its metadata store and, in
// every mode but ClusterReadonly, starting its background timer.
func Open(optFns ...Option) (*DBEngine, error) {
	o := applyOptions(optFns)

	ms, err := meta.New(fs.Default, o.metaURI, o.codec)
	if err != nil {
		return nil, err
	}

	blobs := o.blobStore
	if blobs == nil {
		blobs = blobstore.NewLocalStore(o.blobRoot)
	}

	resCtl := resource.NewController(resource.Config{
		NumComputeResources: o.numComputeResources,
		IOLimitBytesPerSec:  o.ioLimitBytesPerSec,
	})
	engines := execengine.Store{Blobs: blobs, Metric: metric.L2, ResCtl: resCtl}

	cpuCache, err := cache.NewManager(o.cpuCacheCapacityBytes)
	if err != nil {
		return nil, err
	}
	var gpuCache *cache.Manager
	if o.gpuCacheCapacityBytes > 0 {
		gpuCache, err = cache.NewManager(o.gpuCacheCapacityBytes)
		if err != nil {
			return nil, err
		}
	}

	numSearchWorkers := int(o.numComputeResources)
	if numSearchWorkers < 1 {
		numSearchWorkers = 1
	}
	sched := scheduler.New(numSearchWorkers, 1, engines, cpuCache)

	db := &DBEngine{
		opts:      o,
		mode:      o.mode,
		metaStore: ms,
		memBuf:    membuf.New(ms, engines),
		cpuCache:  cpuCache,
		gpuCache:  gpuCache,
		blobs:     blobs,
		engines:   engines,
		sched:     sched,
		resCtl:    resCtl,

		compactTableIDs: make(map[string]struct{}),
		compactTrigger:  make(chan struct{}, 1),
		indexTrigger:    make(chan struct{}, 1),
	}

	sched.RegisterResource(scheduler.NewCacheResource(cpuCache, db.fileLocationsForTable))
	if gpuCache != nil {
		sched.RegisterResource(scheduler.NewCacheResource(gpuCache, db.fileLocationsForTable))
	}

	if o.mode != ClusterReadonly {
		db.startBackgroundTimer()
	}

	return db, nil
}

// fileLocationsForTable returns every blob location known for tableID
// across its searchable, mergeable and to-index states, so a ComputeResource
// can erase its cached copies of a table being deleted.
func (db *DBEngine) fileLocationsForTable(tableID string) []string {
	var locs []string
	for _, files := range db.metaStore.FilesToSearch(tableID, nil, nil) {
		for _, f := range files {
			locs = append(locs, f.Location)
		}
	}
	for _, files := range db.metaStore.FilesToMerge(tableID) {
		for _, f := range files {
			locs = append(locs, f.Location)
		}
	}
	for _, f := range db.metaStore.FilesToIndex() {
		if f.TableID == tableID {
			locs = append(locs, f.Location)
		}
	}
	return locs
}

// CreateTable registers a new table of the given dimension and distance
// metric. indexFileSizeMB is the RAW-file-size threshold, in megabytes,
// past which a file becomes eligible for indexing.
func (db *DBEngine) CreateTable(tableID string, dims int, m metric.Kind, indexFileSizeMB int) error {
	if db.shuttingDown.Load() {
		return ErrShuttingDown
	}
	dim, err := conv.IntToUint32(dims)
	if err != nil {
		return WrapStatus(CodeDBError, err, "create table %s: dimension", tableID)
	}
	sizeMB, err := conv.IntToUint64(indexFileSizeMB)
	if err != nil {
		return WrapStatus(CodeDBError, err, "create table %s: index file size", tableID)
	}
	return db.metaStore.CreateTable(meta.Table{
		ID:                 tableID,
		Dimension:          dim,
		Metric:             m,
		Index:              meta.IndexDescriptor{EngineType: meta.Flat, Metric: m},
		IndexFileSizeBytes: sizeMB * uint64(OneMB),
	})
}

// DescribeTable returns tableID's schema.
func (db *DBEngine) DescribeTable(tableID string) (meta.Table, error) {
	return db.metaStore.DescribeTable(tableID)
}

// HasTable reports whether tableID names a known table.
func (db *DBEngine) HasTable(tableID string) bool {
	return db.metaStore.HasTable(tableID)
}

// AllTables returns every active table.
func (db *DBEngine) AllTables() []meta.Table {
	return db.metaStore.AllTables()
}

// GetTableRowCount returns the summed row count of tableID's searchable files.
func (db *DBEngine) GetTableRowCount(tableID string) (uint64, error) {
	return db.metaStore.Count(tableID)
}

// Size returns the total on-disk footprint of every table.
func (db *DBEngine) Size() uint64 {
	return db.metaStore.Size()
}

// UpdateTableFlag changes tableID's index_file_size threshold, in megabytes.
func (db *DBEngine) UpdateTableFlag(tableID string, indexFileSizeMB int) error {
	sizeMB, err := conv.IntToUint64(indexFileSizeMB)
	if err != nil {
		return WrapStatus(CodeDBError, err, "update table flag %s: index file size", tableID)
	}
	return db.metaStore.UpdateTableFlag(tableID, sizeMB*uint64(OneMB))
}

// DescribeIndex returns tableID's current index descriptor.
func (db *DBEngine) DescribeIndex(tableID string) (meta.IndexDescriptor, error) {
	return db.metaStore.DescribeTableIndex(tableID)
}

// DropIndex resets tableID's index descriptor to FLAT, its zero-cost
// default. Existing INDEX files are left in place; nothing but the
// descriptor changes.
func (db *DBEngine) DropIndex(tableID string) error {
	return db.metaStore.DropTableIndex(tableID)
}

// DeleteTable soft-deletes tableID: if dates is non-empty, only those
// partitions are dropped and the table itself survives. Otherwise the whole
// table, its unflushed insert buffer, and its cached artifacts are torn
// down, and every compute resource acknowledges the release before this
// call returns.
func (db *DBEngine) DeleteTable(tableID string, dates []string) error {
	if db.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if len(dates) > 0 {
		return db.metaStore.DropPartitionsByDates(tableID, dates)
	}

	db.memBuf.EraseMemVector(tableID)
	if err := db.metaStore.DeleteTable(tableID); err != nil {
		return err
	}

	job := scheduler.NewDeleteJob(tableID, db.sched.NumComputeResources())
	if err := db.sched.SubmitDelete(context.Background(), job); err != nil {
		return WrapStatus(CodeDBError, err, "delete table %s: submit", tableID)
	}
	return job.Wait()
}

// DropAll deletes every active table.
func (db *DBEngine) DropAll() error {
	var firstErr error
	for _, t := range db.metaStore.AllTables() {
		if err := db.DeleteTable(t.ID, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PreloadTable loads every searchable file of tableID into the CPU cache
// (or the GPU cache, if toGPU). Per §4.6 it computes the available budget
// once up front (capacity − usage) and accumulates each file's PhysicalSize
// against it, refusing to admit anything once the running total would
// exceed the budget — it never evicts already-resident entries to make
// room for a preload.
func (db *DBEngine) PreloadTable(tableID string, toGPU bool) error {
	if db.shuttingDown.Load() {
		return ErrShuttingDown
	}

	mgr := db.cpuCache
	if toGPU {
		if db.gpuCache == nil {
			return NewStatus(CodeDBError, "preload table %s: no gpu cache configured", tableID)
		}
		mgr = db.gpuCache
	}

	capacity := mgr.Capacity()
	budget := capacity - mgr.Usage()
	var accumulated int64

	for _, files := range db.metaStore.FilesToSearch(tableID, nil, nil) {
		for _, f := range files {
			eng, err := execengine.New(f, db.engines)
			if err != nil {
				return err
			}
			// Load without admitting to the cache yet: PhysicalSize is only
			// known once the engine has decoded the file into memory, but
			// admission must be decided before it is pinned.
			if err := eng.Load(false, nil); err != nil {
				return WrapStatus(StatusCode(err), err, "preload table %s file %d", tableID, f.ID)
			}

			accumulated += eng.PhysicalSize()
			if capacity > 0 && accumulated > budget {
				return NewStatus(CodeCacheFull, "preload table %s: %d bytes exceeds budget of %d bytes", tableID, accumulated, budget)
			}
			if err := mgr.Insert(f.Location, eng); err != nil {
				return WrapStatus(StatusCode(err), err, "preload table %s file %d", tableID, f.ID)
			}
		}
	}
	return nil
}

// InsertVectors appends n vectors to tableID's insert buffer, returning
// their newly assigned ids. Vectors are only durable once a subsequent
// background timer tick flushes the buffer to a NEW file. A soft-deleted
// table is rejected like an unknown one.
func (db *DBEngine) InsertVectors(tableID string, n int, vectors []float32) ([]uint64, error) {
	start := time.Now()

	if db.shuttingDown.Load() {
		db.opts.metricsCollector.RecordBatchInsert(n, n, time.Since(start))
		return nil, ErrShuttingDown
	}
	if tbl, descErr := db.metaStore.DescribeTable(tableID); descErr != nil || tbl.State != meta.TableActive {
		err := NewStatus(CodeTableNotExist, "table %q not found", tableID)
		db.opts.metricsCollector.RecordBatchInsert(n, n, time.Since(start))
		return nil, err
	}

	ids, err := db.memBuf.Insert(tableID, n, vectors)
	failed := 0
	if err != nil {
		failed = n
	}
	db.opts.metricsCollector.RecordBatchInsert(n, failed, time.Since(start))
	db.opts.logger.LogBatchInsert(context.Background(), n, failed)
	return ids, err
}

// Query runs a top-K search of vectors (nq queries, row-major) against
// tableID's searchable files, restricted to fileIDs and/or dates when
// either is non-empty.
func (db *DBEngine) Query(ctx context.Context, tableID string, vectors []float32, nq, k, nprobe int, dates []string, fileIDs []uint64) ([]uint64, []float32, error) {
	start := time.Now()

	if db.shuttingDown.Load() {
		return nil, nil, ErrShuttingDown
	}

	grouped := db.metaStore.FilesToSearch(tableID, fileIDs, dates)
	var files []meta.File
	for _, group := range grouped {
		files = append(files, group...)
	}
	if len(fileIDs) > 0 && len(files) == 0 {
		return nil, nil, NewStatus(CodeInvalidFileID, "query table %s: none of the requested file ids are searchable", tableID)
	}

	job := scheduler.NewSearchJob(vectors, nq, k, nprobe, files)
	if err := db.sched.SubmitSearch(ctx, job); err != nil {
		db.opts.metricsCollector.RecordSearch(k, time.Since(start), err)
		return nil, nil, WrapStatus(CodeDBError, err, "query table %s: submit", tableID)
	}
	err := job.Wait()
	db.opts.metricsCollector.RecordSearch(k, time.Since(start), err)
	db.opts.logger.LogSearch(ctx, k, len(job.IDs), err)
	if err != nil {
		return nil, nil, err
	}
	return job.IDs, job.Distances, nil
}

// CreateIndex updates tableID's index descriptor (unless idx is already
// structurally identical to the current one) and blocks until every file
// that needs to be reprocessed under the new descriptor has left the
// states that precede an INDEX/RAW file. build_index_mutex is held only
// across the check-and-update, not the wait: BackgroundBuildIndex is free
// to run concurrently while this call is waiting on it. Retained from the
// source's unbounded polling loop: each individual wait is capped at
// opts.createIndexPollCeiling, but the loop itself has no maximum attempt
// count.
func (db *DBEngine) CreateIndex(tableID string, idx meta.IndexDescriptor) error {
	if db.shuttingDown.Load() {
		return ErrShuttingDown
	}

	if err := func() error {
		db.buildIndexMu.Lock()
		defer db.buildIndexMu.Unlock()

		old, err := db.metaStore.DescribeTableIndex(tableID)
		if err != nil {
			return err
		}
		idx.Metric = old.Metric // metric is immutable once the table is created
		if old.Equal(idx) {
			return nil
		}
		if err := db.metaStore.DropTableIndex(tableID); err != nil {
			return err
		}
		return db.metaStore.UpdateTableIndex(tableID, idx)
	}(); err != nil {
		return err
	}

	// Let any in-flight compaction finish before reclassifying files, so
	// CreateIndex never races BackgroundCompaction over the same file.
	if err := db.waitFilesLeaveState(tableID, meta.FileNewMerge); err != nil {
		return err
	}

	states := []meta.FileState{meta.FileRaw, meta.FileNew, meta.FileNewMerge, meta.FileNewIndex, meta.FileToIndex}
	if idx.EngineType == meta.Flat {
		states = []meta.FileState{meta.FileNew, meta.FileNewMerge}
	}

	attempt := 0
	for {
		pending := db.metaStore.FilesByType(tableID, states)
		if len(pending) == 0 {
			return nil
		}
		if db.shuttingDown.Load() {
			return ErrShuttingDown
		}
		if idx.EngineType != meta.Flat {
			if err := db.metaStore.UpdateTableFilesToIndex(tableID); err != nil {
				return err
			}
		}
		attempt++
		wait := time.Duration(attempt) * 100 * time.Millisecond
		if wait > db.opts.createIndexPollCeiling {
			wait = db.opts.createIndexPollCeiling
		}
		time.Sleep(wait)
	}
}

// waitFilesLeaveState polls tableID until none of its files sit in any of
// states, sleeping attempts*100ms between checks, capped at
// opts.createIndexPollCeiling.
func (db *DBEngine) waitFilesLeaveState(tableID string, states ...meta.FileState) error {
	attempt := 0
	for {
		if len(db.metaStore.FilesByType(tableID, states)) == 0 {
			return nil
		}
		if db.shuttingDown.Load() {
			return ErrShuttingDown
		}
		attempt++
		wait := time.Duration(attempt) * 100 * time.Millisecond
		if wait > db.opts.createIndexPollCeiling {
			wait = db.opts.createIndexPollCeiling
		}
		time.Sleep(wait)
	}
}

// startBackgroundTimer starts the 1-second timer loop plus one dedicated
// worker goroutine per single-slot pipeline (compaction, index build).
// workersDone is joined by Stop, so a compaction or build-index run in
// flight when Stop is called is guaranteed to finish before Stop returns
// and hands off to metaStore.CleanUp.
func (db *DBEngine) startBackgroundTimer() {
	ctx, cancel := context.WithCancel(context.Background())
	db.timerCancel = cancel
	db.timerDone = make(chan struct{})

	db.workersDone.Add(2)
	go func() { defer db.workersDone.Done(); db.compactionWorker(ctx) }()
	go func() { defer db.workersDone.Done(); db.buildIndexWorker(ctx) }()
	go db.timerLoop(ctx)
}

func (db *DBEngine) timerLoop(ctx context.Context) {
	defer close(db.timerDone)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var metricElapsed, compactElapsed, buildElapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metricElapsed += time.Second
			compactElapsed += time.Second
			buildElapsed += time.Second

			if metricElapsed >= db.opts.metricInterval {
				metricElapsed = 0
				db.sampleMetrics()
			}
			if compactElapsed >= db.opts.compactionInterval {
				compactElapsed = 0
				db.tickCompaction()
			}
			if buildElapsed >= db.opts.buildIndexInterval {
				buildElapsed = 0
				select {
				case db.indexTrigger <- struct{}{}:
				default:
				}
			}
			db.opts.metricsCollector.RecordKeepAlive()
		}
	}
}

// sampleMetrics reports cache and disk-size gauges. Host CPU/RAM/GPU
// utilization sampling is left to whatever MetricsCollector the caller
// configures (e.g. reading from an OS counters library) since this engine
// has no such dependency to sample through; RecordResourceUtilization is
// therefore never called from here.
func (db *DBEngine) sampleMetrics() {
	db.opts.metricsCollector.RecordCacheUsage("cpu", db.cpuCache.Usage(), db.cpuCache.Capacity())
	if db.gpuCache != nil {
		db.opts.metricsCollector.RecordCacheUsage("gpu", db.gpuCache.Usage(), db.gpuCache.Capacity())
	}
	db.opts.metricsCollector.RecordDiskSize(db.metaStore.Size())
}

// tickCompaction flushes the insert buffer and folds the affected table ids
// into compactTableIDs under compactResultMu, then non-blockingly wakes the
// compaction worker. The set is swapped out (not cleared) by the worker at
// pickup time, so table ids accumulate losslessly across any tick where the
// worker is still busy with the previous batch.
func (db *DBEngine) tickCompaction() {
	db.memSerializeMu.Lock()
	affected, err := db.memBuf.Serialize()
	db.memSerializeMu.Unlock()
	if err != nil {
		db.opts.logger.LogCompactionTick(context.Background(), tableIDSlice(affected), err)
	}

	if len(affected) > 0 {
		db.compactResultMu.Lock()
		for t := range affected {
			db.compactTableIDs[t] = struct{}{}
		}
		db.compactResultMu.Unlock()
	}

	select {
	case db.compactTrigger <- struct{}{}:
	default:
	}
}

func tableIDSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// compactionWorker is the single long-running consumer of compactTrigger:
// exactly one goroutine ever drains it, so at most one BackgroundCompaction
// runs at a time by construction. It also holds one of resCtl's background
// slots for the duration of the run, so compaction and index-build compete
// for the same NumComputeResources budget as everything else the controller
// gates.
func (db *DBEngine) compactionWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-db.compactTrigger:
			db.compactResultMu.Lock()
			pending := db.compactTableIDs
			db.compactTableIDs = make(map[string]struct{})
			db.compactResultMu.Unlock()

			if len(pending) == 0 {
				continue
			}
			if err := db.resCtl.AcquireBackground(ctx); err != nil {
				continue
			}
			tableIDs := tableIDSlice(pending)
			err := db.BackgroundCompaction(tableIDs)
			db.resCtl.ReleaseBackground()
			db.opts.logger.LogCompactionTick(ctx, tableIDs, err)
		}
	}
}

// buildIndexWorker is the single long-running consumer of indexTrigger.
func (db *DBEngine) buildIndexWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-db.indexTrigger:
			if err := db.resCtl.AcquireBackground(ctx); err != nil {
				continue
			}
			err := db.BackgroundBuildIndex(ctx)
			db.resCtl.ReleaseBackground()
			if err != nil {
				db.opts.logger.LogBuildIndex(ctx, 0, err)
			}
		}
	}
}

// BackgroundCompaction merges eligible (table, date) partitions for each of
// tableIDs whose mergeable-file count has reached opts.mergeTriggerNumber,
// then unconditionally ages out TO_DELETE files past their TTL: once a file
// is pruned from metadata its blob is no longer referenced by anything, so
// this also physically deletes it from the blob store before the snapshot
// is compacted.
func (db *DBEngine) BackgroundCompaction(tableIDs []string) error {
	for _, tableID := range tableIDs {
		if db.shuttingDown.Load() {
			break
		}
		for date, files := range db.metaStore.FilesToMerge(tableID) {
			if len(files) < db.opts.mergeTriggerNumber {
				continue
			}
			if err := db.MergeFiles(tableID, date, files); err != nil {
				db.opts.logger.LogMerge(context.Background(), tableID, date, len(files), 0, err)
			}
		}
	}

	removed, err := db.metaStore.CleanUpFilesWithTTL(db.opts.ttlFor(db.mode))
	if err != nil {
		return err
	}
	for _, f := range removed {
		err := db.blobs.Delete(f.Location)
		db.opts.logger.LogCleanup(context.Background(), f.ID, f.Location, err)
	}

	return db.metaStore.Archive()
}

// MergeFiles merges files (a mergeable set from one table/date partition)
// into a single new file. The source files only transition to TO_DELETE
// once the merge target has been durably serialized, and that transition
// commits alongside the target's own state change in one UpdateTableFiles
// batch — unlike a scheme that marks sources TO_DELETE before the target is
// serialized, a crash here never leaves live data referenced only by files
// already flagged for removal.
func (db *DBEngine) MergeFiles(tableID, date string, files []meta.File) error {
	t, err := db.metaStore.DescribeTable(tableID)
	if err != nil {
		return err
	}

	target, err := db.metaStore.CreateTableFile(tableID, date, true)
	if err != nil {
		return err
	}
	target.EngineType = t.Index.EngineType
	target.Metric = t.Metric
	target.NList = t.Index.NList
	target.Dimension = t.Dimension

	eng, err := execengine.New(target, db.engines)
	if err != nil {
		target.State = meta.FileToDelete
		_ = db.metaStore.UpdateTableFile(target)
		return err
	}

	for _, src := range files {
		if err := eng.Merge(src.Location); err != nil {
			target.State = meta.FileToDelete
			_ = db.metaStore.UpdateTableFile(target)
			return WrapStatus(CodeIOError, err, "merge table %s date %s: read source %s", tableID, date, src.Location)
		}
	}

	if err := eng.Serialize(); err != nil {
		target.State = meta.FileToDelete
		_ = db.metaStore.UpdateTableFile(target)
		return WrapStatus(CodeIOError, err, "merge table %s date %s: serialize", tableID, date)
	}

	target.RowCount = eng.Count()
	target.FileSizeBytes = uint64(eng.PhysicalSize())

	if target.EngineType != meta.Flat && target.FileSizeBytes >= t.IndexFileSizeBytes {
		target.State = meta.FileToIndex
	} else {
		target.State = meta.FileRaw
	}

	updates := make([]meta.File, 0, len(files)+1)
	updates = append(updates, target)
	for _, src := range files {
		src.State = meta.FileToDelete
		updates = append(updates, src)
	}
	if err := db.metaStore.UpdateTableFiles(updates); err != nil {
		return WrapStatus(CodeMetaError, err, "merge table %s date %s: commit", tableID, date)
	}

	if db.opts.insertCacheImmediately {
		_ = db.cpuCache.Insert(target.Location, eng)
	}

	db.opts.logger.LogMerge(context.Background(), tableID, date, len(files), target.ID, nil)
	return nil
}

// BackgroundBuildIndex submits every TO_INDEX file for indexing and commits
// TO_INDEX -> NEW_INDEX -> INDEX for the ones that build successfully. A
// file whose build failed is left untouched in TO_INDEX so a later tick
// retries it: a TO_INDEX file is the sole surviving copy of its vectors
// (its merge sources were already committed TO_DELETE in MergeFiles), so
// discarding it on a transient build failure would be permanent data loss.
// The failure does not affect its siblings in the same batch.
func (db *DBEngine) BackgroundBuildIndex(ctx context.Context) error {
	db.buildIndexMu.Lock()
	defer db.buildIndexMu.Unlock()

	files := db.metaStore.FilesToIndex()
	if len(files) == 0 {
		return nil
	}

	job := scheduler.NewBuildIndexJob(files)
	if err := db.sched.SubmitBuildIndex(ctx, job); err != nil {
		return err
	}
	if err := job.Wait(); err != nil {
		return err
	}

	failed := make(map[uint64]struct{}, len(job.Failed))
	for _, f := range job.Failed {
		failed[f.ID] = struct{}{}
	}

	db.indexResultMu.Lock()
	defer db.indexResultMu.Unlock()

	toNewIndex := make([]meta.File, 0, len(files))
	for _, f := range files {
		if _, bad := failed[f.ID]; bad {
			// Left at TO_INDEX: no update call for it, so it stays exactly
			// as it was and is picked up again by the next BuildIndexJob.
			db.opts.logger.LogBuildIndex(ctx, f.ID, fmt.Errorf("build index: file %d failed", f.ID))
			continue
		}
		f.State = meta.FileNewIndex
		toNewIndex = append(toNewIndex, f)
	}
	if len(toNewIndex) == 0 {
		return nil
	}
	if err := db.metaStore.UpdateTableFiles(toNewIndex); err != nil {
		return err
	}

	toIndex := make([]meta.File, 0, len(toNewIndex))
	for _, f := range toNewIndex {
		if f.State != meta.FileNewIndex {
			continue
		}
		f.State = meta.FileIndex
		toIndex = append(toIndex, f)
		db.opts.logger.LogBuildIndex(ctx, f.ID, nil)
	}
	if len(toIndex) == 0 {
		return nil
	}
	return db.metaStore.UpdateTableFiles(toIndex)
}
