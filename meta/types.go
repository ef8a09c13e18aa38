// Package meta implements the authoritative record of tables, files,
// file states and index descriptors: the metadata store every other
// subsystem reads and writes through.
package meta

import (
	"time"

	"github.com/vecdbio/vecdb/metric"
)

// TableState is the lifecycle state of a Table.
type TableState uint8

const (
	// TableActive accepts inserts and queries.
	TableActive TableState = iota
	// TableDeleted has been soft-deleted; its files are scheduled for teardown.
	TableDeleted
)

// EngineType names an ExecutionEngine implementation.
type EngineType string

const (
	// Flat is a brute-force exact-search engine. FLAT files never enter
	// TO_INDEX: RAW is their terminal searchable state.
	Flat EngineType = "FLAT"
	// IVFFlat partitions vectors into nlist coarse cells and scans nprobe
	// of them per query.
	IVFFlat EngineType = "IVF_FLAT"
)

// IndexDescriptor names an ExecutionEngine variant plus its parameters.
// Equality is defined structurally over EngineType, Metric and NList.
type IndexDescriptor struct {
	EngineType EngineType
	Metric     metric.Kind
	NList      int
}

// Equal reports whether two descriptors are structurally identical.
func (d IndexDescriptor) Equal(other IndexDescriptor) bool {
	return d.EngineType == other.EngineType && d.Metric == other.Metric && d.NList == other.NList
}

// Table is a named collection of same-dimension vectors sharing a metric
// and an index descriptor.
type Table struct {
	ID                 string
	Dimension          uint32
	IndexFileSizeBytes uint64
	Metric             metric.Kind
	Index              IndexDescriptor
	CreatedAt          time.Time
	State              TableState
}

// FileState is a point in the file state machine (FSM). Transitions are
// monotone: a file never revisits an earlier state.
type FileState uint8

const (
	// FileNew is a freshly flushed insert-buffer file, not yet merged.
	FileNew FileState = iota
	// FileRaw is a mergeable/searchable file below the index-file-size
	// threshold, or the terminal state of a FLAT file of any size.
	FileRaw
	// FileNewMerge is an in-progress merge target; not yet serialized.
	FileNewMerge
	// FileToIndex is searchable and eligible for BuildIndex.
	FileToIndex
	// FileNewIndex is an index build in progress; not yet committed.
	FileNewIndex
	// FileIndex is a committed ANN-index file. Searchable.
	FileIndex
	// FileToDelete is scheduled for physical removal once its TTL elapses.
	FileToDelete
)

func (s FileState) String() string {
	switch s {
	case FileNew:
		return "NEW"
	case FileRaw:
		return "RAW"
	case FileNewMerge:
		return "NEW_MERGE"
	case FileToIndex:
		return "TO_INDEX"
	case FileNewIndex:
		return "NEW_INDEX"
	case FileIndex:
		return "INDEX"
	case FileToDelete:
		return "TO_DELETE"
	default:
		return "UNKNOWN"
	}
}

// Searchable reports whether files in this state are visible to queries.
func (s FileState) Searchable() bool {
	return s == FileRaw || s == FileToIndex || s == FileIndex
}

// Mergeable reports whether files in this state participate in compaction.
func (s FileState) Mergeable() bool {
	return s == FileRaw || s == FileNew || s == FileNewMerge
}

// validTransitions enumerates the FSM edges of §3. CanTransition rejects
// any edge not listed here, enforcing monotonicity.
var validTransitions = map[FileState]map[FileState]bool{
	FileNew:      {FileToDelete: true},
	FileRaw:      {FileToDelete: true, FileToIndex: true},
	FileNewMerge: {FileRaw: true, FileToIndex: true, FileToDelete: true},
	FileToIndex:  {FileNewIndex: true, FileToDelete: true},
	FileNewIndex: {FileIndex: true, FileToDelete: true},
	FileIndex:    {FileToDelete: true, FileRaw: true},
	FileToDelete: {},
}

// CanTransition reports whether the FSM permits moving from `from` to `to`.
// Transitioning a state to itself is always permitted for idempotent retries
// of the same UpdateTableFile call.
func CanTransition(from, to FileState) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

// File is an immutable-once-serialized on-disk artifact holding a subset of
// a table's vectors plus, optionally, an ANN index built over them.
type File struct {
	ID            uint64
	TableID       string
	Date          string // YYYYMMDD
	Location      string
	EngineType    EngineType
	Metric        metric.Kind
	NList         int
	Dimension     uint32
	FileSizeBytes uint64
	RowCount      uint64
	State         FileState
	CreatedAt     time.Time
	// ToDeleteAt is set when State transitions to FileToDelete; it anchors
	// the TTL window CleanUpFilesWithTTL enforces.
	ToDeleteAt time.Time
}

// Clone returns a deep copy safe to hand to callers outside the store's lock.
func (f File) Clone() File { return f }
