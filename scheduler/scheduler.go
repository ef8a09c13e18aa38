package scheduler

import (
	"context"
	"sync"

	"github.com/vecdbio/vecdb/cache"
	"github.com/vecdbio/vecdb/dberr"
	"github.com/vecdbio/vecdb/execengine"
	"github.com/vecdbio/vecdb/meta"
)

// ComputeResource is one CPU worker or GPU device DeleteJob must broadcast
// to before a table's files can be physically removed.
type ComputeResource interface {
	// ReleaseTable drops any per-device cached state for tableID.
	ReleaseTable(tableID string)
}

// cacheResource adapts a cache.Manager into a ComputeResource by erasing
// every entry belonging to the table on release. Table membership is
// determined by the caller passing the exact set of locations to erase,
// since cache.Manager itself is keyed by file location, not table id.
type cacheResource struct {
	mgr       *cache.Manager
	locations func(tableID string) []string
}

func (r *cacheResource) ReleaseTable(tableID string) {
	for _, loc := range r.locations(tableID) {
		r.mgr.Erase(loc)
	}
}

// NewCacheResource registers a cache.Manager as a compute resource: on
// DeleteJob broadcast it erases every location locations(tableID) reports
// for the deleted table, releasing the cache's references before the files
// are physically removed.
func NewCacheResource(mgr *cache.Manager, locations func(tableID string) []string) ComputeResource {
	return &cacheResource{mgr: mgr, locations: locations}
}

// Scheduler dispatches Search/BuildIndex/Delete jobs across one or more
// compute resources (CPU worker pools; GPU devices are modeled the same
// way once present). SearchJob/BuildIndexJob work is farmed out to
// searchPool/buildPool; DeleteJob instead broadcasts to every registered
// ComputeResource and joins on all of them.
type Scheduler struct {
	searchPool *WorkerPool
	buildPool  *WorkerPool
	engines    execengine.Store
	cacheMgr   *cache.Manager

	mu        sync.Mutex
	resources []ComputeResource
}

// New creates a Scheduler whose SearchJobs and BuildIndexJobs run on
// numSearchWorkers/numBuildWorkers goroutines respectively, loading
// ExecutionEngines through engines and caching loaded artifacts in
// cacheMgr (may be nil to disable caching).
func New(numSearchWorkers, numBuildWorkers int, engines execengine.Store, cacheMgr *cache.Manager) *Scheduler {
	return &Scheduler{
		searchPool: NewWorkerPool(numSearchWorkers),
		buildPool:  NewWorkerPool(numBuildWorkers),
		engines:    engines,
		cacheMgr:   cacheMgr,
	}
}

// RegisterResource adds a compute resource DeleteJob will broadcast to.
func (s *Scheduler) RegisterResource(r ComputeResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, r)
}

// NumComputeResources reports how many resources are currently registered.
func (s *Scheduler) NumComputeResources() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint(len(s.resources))
}

// Close shuts down both worker pools, waiting for in-flight jobs to drain.
func (s *Scheduler) Close() {
	s.searchPool.Close()
	s.buildPool.Close()
}

// SubmitSearch dispatches job to the search pool: it loads each file's
// engine (through the cache when possible), scans it, and merges per-file
// results in top-k order.
func (s *Scheduler) SubmitSearch(ctx context.Context, job *SearchJob) error {
	return s.searchPool.Submit(ctx, func() {
		job.markRunning()
		job.finish(s.runSearch(job))
	})
}

func (s *Scheduler) runSearch(job *SearchJob) error {
	if len(job.Files) == 0 {
		job.IDs = make([]uint64, job.NQ*job.K)
		job.Distances = make([]float32, job.NQ*job.K)
		return nil
	}

	idsPerFile := make([][]uint64, len(job.Files))
	distsPerFile := make([][]float32, len(job.Files))

	for i, f := range job.Files {
		eng, err := s.loadEngine(f)
		if err != nil {
			return err
		}
		ids, dists, err := eng.Search(job.Vectors, job.NQ, job.K, job.NProbe)
		if err != nil {
			return err
		}
		idsPerFile[i] = ids
		distsPerFile[i] = dists
	}

	m := s.engines.Metric
	if len(job.Files) > 0 {
		m = job.Files[0].Metric
	}
	job.IDs, job.Distances = mergeSearchResults(m, job.NQ, job.K, idsPerFile, distsPerFile)
	return nil
}

// loadEngine returns a cached engine for f.Location if resident, otherwise
// loads and (if a cache is configured) admits it.
func (s *Scheduler) loadEngine(f meta.File) (execengine.Engine, error) {
	if s.cacheMgr != nil {
		if a, ok := s.cacheMgr.Lookup(f.Location); ok {
			if eng, ok := a.(execengine.Engine); ok {
				return eng, nil
			}
		}
	}
	eng, err := execengine.New(f, s.engines)
	if err != nil {
		return nil, err
	}
	if err := eng.Load(s.cacheMgr != nil, s.cacheMgr); err != nil {
		return nil, dberr.Wrap(dberr.CodeIOError, err, "scheduler: load %s", f.Location)
	}
	return eng, nil
}

// SubmitBuildIndex dispatches job to the build pool: each file is loaded,
// its engine re-serialized (which trains the index for engines that build
// lazily, e.g. IVF), and the result is left for the caller to commit
// TO_INDEX -> NEW_INDEX -> INDEX in the metadata store. A failure on one
// file is recorded in job.Failed and does not abort the batch.
func (s *Scheduler) SubmitBuildIndex(ctx context.Context, job *BuildIndexJob) error {
	return s.buildPool.Submit(ctx, func() {
		job.markRunning()
		job.finish(s.runBuildIndex(job))
	})
}

func (s *Scheduler) runBuildIndex(job *BuildIndexJob) error {
	for _, f := range job.Files {
		eng, err := execengine.New(f, s.engines)
		if err != nil {
			job.Failed = append(job.Failed, f)
			continue
		}
		if err := eng.Load(false, nil); err != nil {
			job.Failed = append(job.Failed, f)
			continue
		}
		if err := eng.Serialize(); err != nil {
			job.Failed = append(job.Failed, f)
			continue
		}
	}
	return nil
}

// SubmitDelete broadcasts job to every registered compute resource and
// waits for all of them to acknowledge before returning, so no resource is
// left holding a reference into files about to be physically removed.
func (s *Scheduler) SubmitDelete(ctx context.Context, job *DeleteJob) error {
	return s.searchPool.Submit(ctx, func() {
		job.markRunning()
		job.finish(s.runDelete(job))
	})
}

func (s *Scheduler) runDelete(job *DeleteJob) error {
	s.mu.Lock()
	resources := append([]ComputeResource(nil), s.resources...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(resources))
	for _, r := range resources {
		go func(r ComputeResource) {
			defer wg.Done()
			r.ReleaseTable(job.TableID)
		}(r)
	}
	wg.Wait()
	return nil
}
