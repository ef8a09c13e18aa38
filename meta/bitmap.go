package meta

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// stateIndex tracks, per FileState, the set of file ids currently in that
// state. It exists so FilesByType/FilesToIndex can answer without a linear
// scan of every file every table has ever produced (FilesToSearch and
// FilesToMerge still scan every file).
//
// Roaring bitmaps are a natural fit here: file-id sets are sparse relative
// to the id space, membership/union/iteration are the only operations
// needed, and a table under heavy churn can have many thousands of file
// ids cycle through TO_DELETE.
type stateIndex struct {
	mu   sync.RWMutex
	sets map[FileState]*roaring64.Bitmap
}

func newStateIndex() *stateIndex {
	sets := make(map[FileState]*roaring64.Bitmap, 7)
	for _, s := range []FileState{FileNew, FileRaw, FileNewMerge, FileToIndex, FileNewIndex, FileIndex, FileToDelete} {
		sets[s] = roaring64.New()
	}
	return &stateIndex{sets: sets}
}

// move transitions id from `from` to `to`. If from == to it is a no-op
// beyond ensuring membership, matching CanTransition's self-loop rule.
func (idx *stateIndex) move(id uint64, from, to FileState) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if from != to {
		idx.sets[from].Remove(id)
	}
	idx.sets[to].Add(id)
}

// add inserts id fresh into state s (used by CreateTableFile).
func (idx *stateIndex) add(id uint64, s FileState) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.sets[s].Add(id)
}

// remove deletes id from every state set (used once a file is physically removed).
func (idx *stateIndex) remove(id uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, bm := range idx.sets {
		bm.Remove(id)
	}
}

// ids returns a snapshot slice of file ids currently in any of the given states.
func (idx *stateIndex) ids(states ...FileState) []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	union := roaring64.New()
	for _, s := range states {
		union.Or(idx.sets[s])
	}

	out := make([]uint64, 0, union.GetCardinality())
	it := union.Iterator()
	for it.HasNext() {
		out = append(out, it.Next())
	}
	return out
}

// count returns the cardinality of state s.
func (idx *stateIndex) count(s FileState) uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.sets[s].GetCardinality()
}
