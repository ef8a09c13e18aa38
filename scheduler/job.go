package scheduler

import (
	"sync"

	"github.com/google/uuid"

	"github.com/vecdbio/vecdb/meta"
)

// JobStatus is the lifecycle state of a submitted Job.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobDone
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobRunning:
		return "RUNNING"
	case JobDone:
		return "DONE"
	case JobFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Job is anything the Scheduler can submit and wait on.
type Job interface {
	// Wait blocks until the job finishes, returning its terminal error (nil
	// on success).
	Wait() error
	// Status reports the job's current lifecycle state.
	Status() JobStatus
}

// baseJob implements the Wait/Status half of Job; concrete job types embed
// it and call finish() exactly once when their work completes.
type baseJob struct {
	// ID uniquely identifies this job instance across the process for log
	// correlation: two SearchJobs submitted in the same tick otherwise have
	// nothing distinguishing them in a log line.
	ID string

	mu     sync.Mutex
	done   chan struct{}
	status JobStatus
	err    error
}

func newBaseJob() baseJob {
	return baseJob{ID: uuid.NewString(), done: make(chan struct{}), status: JobPending}
}

func (j *baseJob) markRunning() {
	j.mu.Lock()
	j.status = JobRunning
	j.mu.Unlock()
}

func (j *baseJob) finish(err error) {
	j.mu.Lock()
	if j.status == JobDone || j.status == JobFailed {
		j.mu.Unlock()
		return
	}
	j.err = err
	if err != nil {
		j.status = JobFailed
	} else {
		j.status = JobDone
	}
	j.mu.Unlock()
	close(j.done)
}

func (j *baseJob) Wait() error {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *baseJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SearchJob asks the scheduler to run a top-K query against a set of
// searchable files, merging per-file results in metric order.
type SearchJob struct {
	baseJob

	K       int
	NQ      int
	NProbe  int
	Vectors []float32
	Files   []meta.File

	IDs       []uint64
	Distances []float32
}

// NewSearchJob constructs a SearchJob ready for Scheduler.Submit.
func NewSearchJob(vectors []float32, nq, k, nprobe int, files []meta.File) *SearchJob {
	return &SearchJob{baseJob: newBaseJob(), K: k, NQ: nq, NProbe: nprobe, Vectors: vectors, Files: files}
}

// BuildIndexJob asks the scheduler to convert a batch of TO_INDEX files
// into committed INDEX files.
type BuildIndexJob struct {
	baseJob

	Files []meta.File
	// Failed collects the subset of Files whose individual build attempt
	// failed; per §7 those failures do not fail the whole job.
	Failed []meta.File
}

// NewBuildIndexJob constructs a BuildIndexJob ready for Scheduler.Submit.
func NewBuildIndexJob(files []meta.File) *BuildIndexJob {
	return &BuildIndexJob{baseJob: newBaseJob(), Files: files}
}

// DeleteJob broadcasts a table deletion to every compute resource so each
// can release per-device cached state before the table's files are
// physically removed.
type DeleteJob struct {
	baseJob

	TableID             string
	NumComputeResources uint
}

// NewDeleteJob constructs a DeleteJob ready for Scheduler.Submit.
func NewDeleteJob(tableID string, numComputeResources uint) *DeleteJob {
	return &DeleteJob{baseJob: newBaseJob(), TableID: tableID, NumComputeResources: numComputeResources}
}
