package scheduler

import (
	"container/heap"

	"github.com/vecdbio/vecdb/metric"
	"github.com/vecdbio/vecdb/queue"
)

// mergeSearchResults merges the per-file candidate lists produced by
// scanning nq queries against len(idsPerFile) files into one row-major
// nq*k result set, in metric order (ascending distance for L2, descending
// score for InnerProduct/Cosine). Each idsPerFile[f]/distsPerFile[f] pair is
// itself already row-major nq*k, matching execengine.Engine.Search's
// contract.
//
// queue.PriorityQueue.Node is 32 bits, too narrow for a vector id, so the
// heap only ever carries an index into a flat per-query candidate slice;
// the real uint64 id is looked up through that index once the heap yields
// it.
func mergeSearchResults(m metric.Kind, nq, k int, idsPerFile [][]uint64, distsPerFile [][]float32) ([]uint64, []float32) {
	outIDs := make([]uint64, nq*k)
	outDists := make([]float32, nq*k)

	// Order = true means the queue pops the largest Distance first
	// (queue.PriorityQueue.Less), which is what an InnerProduct/Cosine
	// max-heap needs; L2 wants the smallest first.
	descending := m != metric.L2

	for q := 0; q < nq; q++ {
		type candidate struct {
			id   uint64
			dist float32
		}
		var candidates []candidate
		for f := range idsPerFile {
			base := q * k
			ids := idsPerFile[f]
			dists := distsPerFile[f]
			if base+k > len(ids) {
				continue
			}
			for i := 0; i < k; i++ {
				candidates = append(candidates, candidate{ids[base+i], dists[base+i]})
			}
		}

		pq := &queue.PriorityQueue{Order: descending}
		heap.Init(pq)
		for idx, c := range candidates {
			heap.Push(pq, &queue.PriorityQueueItem{Node: uint32(idx), Distance: c.dist})
		}

		for i := 0; i < k && pq.Len() > 0; i++ {
			item := heap.Pop(pq).(*queue.PriorityQueueItem)
			c := candidates[item.Node]
			outIDs[q*k+i] = c.id
			outDists[q*k+i] = c.dist
		}
	}

	return outIDs, outDists
}
