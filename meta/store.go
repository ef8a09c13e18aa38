package meta

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vecdbio/vecdb/codec"
	"github.com/vecdbio/vecdb/dberr"
	"github.com/vecdbio/vecdb/internal/fs"
)

// Store is the authoritative record of tables, files, file states and
// index descriptors. All operations are internally serialized: callers may
// treat each individual call as atomic, but there is no cross-call
// transaction — this mirrors the source engine's single embedded store.
type Store struct {
	mu   sync.RWMutex
	p    *persister
	next uint64

	tables map[string]*Table
	files  map[uint64]*File
	states *stateIndex
}

// New creates a Store persisted under dir using codec c via the given
// filesystem. Pass an empty dir for a purely in-memory store (tests). A nil
// fsys defaults to fs.Default (the local OS filesystem); a nil c defaults
// to codec.Default.
func New(fsys fs.FileSystem, dir string, c codec.Codec) (*Store, error) {
	s := &Store{
		p:      newPersister(fsys, dir, c),
		tables: make(map[string]*Table),
		files:  make(map[uint64]*File),
		states: newStateIndex(),
	}
	snap, err := s.p.load()
	if err != nil {
		return nil, dberr.WrapMeta(err, "load manifest")
	}
	s.next = snap.NextID
	for i := range snap.Tables {
		t := snap.Tables[i]
		s.tables[t.ID] = &t
	}
	for i := range snap.Files {
		f := snap.Files[i]
		s.files[f.ID] = &f
		s.states.add(f.ID, f.State)
	}
	return s, nil
}

// snapshotLocked builds a persistable snapshot. Caller must hold s.mu.
func (s *Store) snapshotLocked() *snapshot {
	snap := &snapshot{NextID: s.next}
	for _, t := range s.tables {
		snap.Tables = append(snap.Tables, *t)
	}
	for _, f := range s.files {
		snap.Files = append(snap.Files, *f)
	}
	sort.Slice(snap.Tables, func(i, j int) bool { return snap.Tables[i].ID < snap.Tables[j].ID })
	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].ID < snap.Files[j].ID })
	return snap
}

func (s *Store) persistLocked() error {
	return s.p.save(s.snapshotLocked())
}

func (s *Store) allocID() uint64 {
	s.next++
	return s.next
}

// CreateTable registers a new table. Fails with CodeTableExists if a table
// with the same id already exists, regardless of its State.
func (s *Store) CreateTable(t Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[t.ID]; ok {
		return dberr.New(dberr.CodeTableExists, "table %q already exists", t.ID)
	}
	t.State = TableActive
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.tables[t.ID] = &t
	return s.persistLocked()
}

// DescribeTable returns a copy of the table's schema.
func (s *Store) DescribeTable(id string) (Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[id]
	if !ok {
		return Table{}, dberr.New(dberr.CodeTableNotExist, "table %q not found", id)
	}
	return *t, nil
}

// HasTable reports whether id names a known table (active or deleted).
func (s *Store) HasTable(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[id]
	return ok
}

// AllTables returns every active table.
func (s *Store) AllTables() []Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Table, 0, len(s.tables))
	for _, t := range s.tables {
		if t.State == TableActive {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteTable soft-deletes a table: ACTIVE -> DELETED, and marks every one
// of its files TO_DELETE regardless of current state (files in flight are
// still torn down).
func (s *Store) DeleteTable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[id]
	if !ok {
		return dberr.New(dberr.CodeTableNotExist, "table %q not found", id)
	}
	if t.State == TableDeleted {
		return nil // idempotent no-op
	}
	t.State = TableDeleted

	now := time.Now()
	for _, f := range s.files {
		if f.TableID != id || f.State == FileToDelete {
			continue
		}
		s.states.move(f.ID, f.State, FileToDelete)
		f.State = FileToDelete
		f.ToDeleteAt = now
	}
	return s.persistLocked()
}

// DropPartitionsByDates marks TO_DELETE every file of table id whose date
// falls in dates, without touching the table's own State.
func (s *Store) DropPartitionsByDates(id string, dates []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[id]; !ok {
		return dberr.New(dberr.CodeTableNotExist, "table %q not found", id)
	}
	dateSet := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		dateSet[d] = struct{}{}
	}
	now := time.Now()
	for _, f := range s.files {
		if f.TableID != id || f.State == FileToDelete {
			continue
		}
		if _, ok := dateSet[f.Date]; !ok {
			continue
		}
		s.states.move(f.ID, f.State, FileToDelete)
		f.State = FileToDelete
		f.ToDeleteAt = now
	}
	return s.persistLocked()
}

// CreateTableFile allocates an id and location for a new file, filling
// engine_type/metric/nlist/dimension from the table and setting its
// initial state. isMerge selects NEW_MERGE (merge target); otherwise NEW
// (flush target).
func (s *Store) CreateTableFile(tableID, date string, isMerge bool) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableID]
	if !ok {
		return File{}, dberr.New(dberr.CodeTableNotExist, "table %q not found", tableID)
	}

	id := s.allocID()
	state := FileNew
	if isMerge {
		state = FileNewMerge
	}
	f := File{
		ID:         id,
		TableID:    tableID,
		Date:       date,
		Location:   fmt.Sprintf("%s/%s/%d", tableID, date, id),
		EngineType: t.Index.EngineType,
		Metric:     t.Metric,
		NList:      t.Index.NList,
		Dimension:  t.Dimension,
		State:      state,
		CreatedAt:  time.Now(),
	}
	s.files[id] = &f
	s.states.add(id, state)

	if err := s.persistLocked(); err != nil {
		return File{}, err
	}
	return f, nil
}

// UpdateTableFile applies a single file's new fields/state, enforcing FSM
// monotonicity.
func (s *Store) UpdateTableFile(f File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyFileUpdateLocked(f); err != nil {
		return err
	}
	return s.persistLocked()
}

// UpdateTableFiles atomically applies a batch of file updates: either all
// succeed or none are applied.
func (s *Store) UpdateTableFiles(files []File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every update against current state before mutating anything,
	// so a single invalid transition leaves no file partially updated.
	for _, f := range files {
		cur, ok := s.files[f.ID]
		if !ok {
			return dberr.New(dberr.CodeDBError, "file %d not found", f.ID)
		}
		if !CanTransition(cur.State, f.State) {
			return dberr.New(dberr.CodeDBError, "file %d: illegal transition %s -> %s", f.ID, cur.State, f.State)
		}
	}
	for _, f := range files {
		_ = s.applyFileUpdateLocked(f)
	}
	return s.persistLocked()
}

func (s *Store) applyFileUpdateLocked(f File) error {
	cur, ok := s.files[f.ID]
	if !ok {
		return dberr.New(dberr.CodeDBError, "file %d not found", f.ID)
	}
	if !CanTransition(cur.State, f.State) {
		return dberr.New(dberr.CodeDBError, "file %d: illegal transition %s -> %s", f.ID, cur.State, f.State)
	}
	from := cur.State
	if f.State == FileToDelete && from != FileToDelete && f.ToDeleteAt.IsZero() {
		f.ToDeleteAt = time.Now()
	}
	*cur = f
	s.states.move(f.ID, from, f.State)
	return nil
}

// FilesToSearch returns searchable files grouped by date. An empty fileIDs
// selects every id; an empty dates selects every date.
func (s *Store) FilesToSearch(tableID string, fileIDs []uint64, dates []string) map[string][]File {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wantIDs := toSet(fileIDs)
	wantDates := toSet(dates)

	out := make(map[string][]File)
	for _, f := range s.files {
		if f.TableID != tableID || !f.State.Searchable() {
			continue
		}
		if len(wantIDs) > 0 {
			if _, ok := wantIDs[f.ID]; !ok {
				continue
			}
		}
		if len(wantDates) > 0 {
			if _, ok := wantDates[f.Date]; !ok {
				continue
			}
		}
		out[f.Date] = append(out[f.Date], *f)
	}
	return out
}

// FilesToMerge returns mergeable files for tableID grouped by date.
func (s *Store) FilesToMerge(tableID string) map[string][]File {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]File)
	for _, f := range s.files {
		if f.TableID != tableID || !f.State.Mergeable() {
			continue
		}
		out[f.Date] = append(out[f.Date], *f)
	}
	return out
}

// FilesToIndex returns every TO_INDEX file across all tables.
func (s *Store) FilesToIndex() []File {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.states.ids(FileToIndex)
	out := make([]File, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.files[id]; ok {
			out = append(out, *f)
		}
	}
	return out
}

// FilesByType returns file ids of tableID currently in any of states.
func (s *Store) FilesByType(tableID string, states []FileState) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.states.ids(states...)
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.files[id]; ok && f.TableID == tableID {
			out = append(out, id)
		}
	}
	return out
}

// UpdateTableFilesToIndex transitions eligible files (RAW files whose size
// has reached the table's threshold) to TO_INDEX.
func (s *Store) UpdateTableFilesToIndex(tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableID]
	if !ok {
		return dberr.New(dberr.CodeTableNotExist, "table %q not found", tableID)
	}
	for _, f := range s.files {
		if f.TableID != tableID || f.State != FileRaw {
			continue
		}
		if f.EngineType == Flat {
			continue // FLAT files never enter TO_INDEX
		}
		if f.FileSizeBytes < t.IndexFileSizeBytes {
			continue
		}
		s.states.move(f.ID, FileRaw, FileToIndex)
		f.State = FileToIndex
	}
	return s.persistLocked()
}

// UpdateTableFlag updates arbitrary per-table settings; today it is used to
// change the index-file-size threshold (index_file_size, stored in bytes).
func (s *Store) UpdateTableFlag(tableID string, indexFileSizeBytes uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableID]
	if !ok {
		return dberr.New(dberr.CodeTableNotExist, "table %q not found", tableID)
	}
	t.IndexFileSizeBytes = indexFileSizeBytes
	return s.persistLocked()
}

// UpdateTableIndex replaces a table's index descriptor.
func (s *Store) UpdateTableIndex(tableID string, idx IndexDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableID]
	if !ok {
		return dberr.New(dberr.CodeTableNotExist, "table %q not found", tableID)
	}
	idx.Metric = t.Metric // metric is immutable once the table is created
	t.Index = idx
	return s.persistLocked()
}

// DescribeTableIndex returns the table's current index descriptor.
func (s *Store) DescribeTableIndex(tableID string) (IndexDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableID]
	if !ok {
		return IndexDescriptor{}, dberr.New(dberr.CodeTableNotExist, "table %q not found", tableID)
	}
	return t.Index, nil
}

// DropTableIndex resets the table's index descriptor to FLAT, keeping the
// table's metric. Succeeds even if the table has no index configured
// (idempotent).
func (s *Store) DropTableIndex(tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[tableID]
	if !ok {
		return dberr.New(dberr.CodeTableNotExist, "table %q not found", tableID)
	}
	t.Index = IndexDescriptor{EngineType: Flat, Metric: t.Metric}
	return s.persistLocked()
}

// Count returns the summed row_count of searchable files for tableID.
func (s *Store) Count(tableID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tables[tableID]; !ok {
		return 0, dberr.New(dberr.CodeTableNotExist, "table %q not found", tableID)
	}
	var total uint64
	for _, f := range s.files {
		if f.TableID == tableID && f.State.Searchable() {
			total += f.RowCount
		}
	}
	return total, nil
}

// Size returns the summed file_size_bytes across every table.
func (s *Store) Size() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, f := range s.files {
		if f.State != FileToDelete {
			total += f.FileSizeBytes
		}
	}
	return total
}

// Archive applies retention policy to metadata bookkeeping. The embedded
// store has no separate archival tier, so this only compacts the persisted
// snapshot (dropping physically-removed files already pruned by
// CleanUpFilesWithTTL from the in-memory maps).
func (s *Store) Archive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// CleanUpFilesWithTTL prunes TO_DELETE files whose ToDeleteAt is older than
// ttl from the metadata store and returns them so the caller can physically
// remove their blobs; it never touches a file younger than ttl and does not
// itself delete anything from the blob store.
func (s *Store) CleanUpFilesWithTTL(ttl time.Duration) ([]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var removed []File
	for id, f := range s.files {
		if f.State != FileToDelete {
			continue
		}
		if f.ToDeleteAt.After(cutoff) {
			continue
		}
		removed = append(removed, *f)
		delete(s.files, id)
		s.states.remove(id)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, s.persistLocked()
}

// CleanUp releases backend resources at shutdown. The embedded store holds
// no file descriptors between calls, so this is a final persist.
func (s *Store) CleanUp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func toSet[T comparable](items []T) map[T]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[T]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
