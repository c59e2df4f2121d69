// Package txorder implements the transaction ordering contract of spec
// §4.4: coinbase-like transactions first in original relative order, every
// transaction after all of its in-block parents, and among orderings
// satisfying those two constraints the one maximizing aggregate priority,
// with deterministic tiebreaks.
package txorder

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/l2indexer/node/pkg/nodeerrors"
	"github.com/l2indexer/node/pkg/txtypes"
)

// Order sorts txs in place semantics (returns a new, ordered slice) and
// assigns the final Index field in emission order. It fails with
// ErrOrderingCountMismatch if the output length ever diverges from the
// input length — a defensive check the algorithm can never actually trip,
// kept because spec §4.4 names it as a required producer-side invariant.
func Order(txs []txtypes.Transaction) ([]txtypes.Transaction, error) {
	n := len(txs)
	if n == 0 {
		return nil, nil
	}

	idxByTxid := make(map[string]int, n)
	for i, t := range txs {
		idxByTxid[t.Txid] = i
	}

	// Build the parent -> children DAG. A parent is any in-block tx whose
	// txid equals one of this tx's inputs' spent_txid.
	children := make([][]int, n)
	parentCount := make([]int, n)
	for i, t := range txs {
		seen := make(map[int]bool)
		for _, in := range t.Inputs {
			if in.SpentTxid == "" {
				continue // coinbase-like input, no in-block parent
			}
			if pIdx, ok := idxByTxid[in.SpentTxid]; ok && pIdx != i && !seen[pIdx] {
				children[pIdx] = append(children[pIdx], i)
				parentCount[i]++
				seen[pIdx] = true
			}
		}
	}

	effectivePriority := computeEffectivePriority(txs, children)

	// Coinbase-like transactions occupy indices [0, coinbase_count) in
	// their original relative order (§3, §4.4(a), §8 invariant 3).
	var coinbase []int
	var rest []int
	for i, t := range txs {
		if isCoinbaseLike(t) {
			coinbase = append(coinbase, i)
		} else {
			rest = append(rest, i)
		}
	}

	out := make([]txtypes.Transaction, 0, n)
	placed := make([]bool, n)
	remainingParents := make([]int, n)
	copy(remainingParents, parentCount)

	for _, i := range coinbase {
		out = append(out, txs[i])
		placed[i] = true
		for _, c := range children[i] {
			remainingParents[c]--
		}
	}

	// Seed the max-heap with zero-in-degree, non-coinbase nodes.
	h := &priorityHeap{}
	heap.Init(h)
	for _, i := range rest {
		if remainingParents[i] == 0 {
			heap.Push(h, heapItem{
				idx:               i,
				effectivePriority: effectivePriority[i],
				priorityFee:       txs[i].PriorityFee,
				indexingHash:      txs[i].IndexingHash,
			})
		}
	}

	for h.Len() > 0 {
		item := heap.Pop(h).(heapItem)
		i := item.idx
		if placed[i] {
			continue
		}
		out = append(out, txs[i])
		placed[i] = true
		for _, c := range children[i] {
			remainingParents[c]--
			if remainingParents[c] == 0 && !placed[c] {
				heap.Push(h, heapItem{
					idx:               c,
					effectivePriority: effectivePriority[c],
					priorityFee:       txs[c].PriorityFee,
					indexingHash:      txs[c].IndexingHash,
				})
			}
		}
	}

	// Malformed input with cycles: sort the remainder by the same key and
	// append (§4.4).
	if len(out) < n {
		var leftover []int
		for _, i := range rest {
			if !placed[i] {
				leftover = append(leftover, i)
			}
		}
		sort.Slice(leftover, func(a, b int) bool {
			return less(
				effectivePriority[leftover[a]], txs[leftover[a]].PriorityFee, txs[leftover[a]].IndexingHash,
				effectivePriority[leftover[b]], txs[leftover[b]].PriorityFee, txs[leftover[b]].IndexingHash,
			)
		})
		for _, i := range leftover {
			out = append(out, txs[i])
			placed[i] = true
		}
	}

	if len(out) != n {
		return nil, fmt.Errorf("%w: input %d output %d", nodeerrors.ErrOrderingCountMismatch, n, len(out))
	}

	for i := range out {
		out[i].Index = i
	}

	return out, nil
}

func isCoinbaseLike(t txtypes.Transaction) bool {
	if t.Kind == txtypes.TxKindCoinbaseLike {
		return true
	}
	for _, in := range t.Inputs {
		if in.SpentTxid == "" {
			return true
		}
	}
	return false
}

// computeEffectivePriority computes each tx's effective priority as the
// maximum of its own priority_fee and the effective priorities of all
// descendants. Cycles are broken by treating the back-edge tx as its own
// self-priority (§4.4).
func computeEffectivePriority(txs []txtypes.Transaction, children [][]int) []int64 {
	n := len(txs)
	effective := make([]int64, n)
	state := make([]int8, n) // 0=unvisited, 1=in-progress, 2=done

	var visit func(i int) int64
	visit = func(i int) int64 {
		switch state[i] {
		case 2:
			return effective[i]
		case 1:
			// Back-edge: cycle detected, treat as self-priority only.
			return txs[i].PriorityFee
		}
		state[i] = 1
		best := txs[i].PriorityFee
		for _, c := range children[i] {
			if p := visit(c); p > best {
				best = p
			}
		}
		effective[i] = best
		state[i] = 2
		return best
	}

	for i := range txs {
		if state[i] != 2 {
			visit(i)
		}
	}
	return effective
}

// heapItem is one entry in the emission max-heap, keyed by
// (effective_priority, priority_fee, indexing_hash) with lexicographic
// comparison on indexing_hash as the final tiebreak (§4.4).
type heapItem struct {
	idx               int
	effectivePriority int64
	priorityFee       int64
	indexingHash      txtypes.Hash32
}

func less(aEff, aFee int64, aHash txtypes.Hash32, bEff, bFee int64, bHash txtypes.Hash32) bool {
	if aEff != bEff {
		return aEff < bEff
	}
	if aFee != bFee {
		return aFee < bFee
	}
	for i := range aHash {
		if aHash[i] != bHash[i] {
			return aHash[i] < bHash[i]
		}
	}
	return false
}

// priorityHeap pops the highest (effective_priority, priority_fee) first;
// among entries equal on both, the lower indexing_hash pops first.
type priorityHeap []heapItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.effectivePriority != b.effectivePriority {
		return a.effectivePriority > b.effectivePriority
	}
	if a.priorityFee != b.priorityFee {
		return a.priorityFee > b.priorityFee
	}
	return less(0, 0, a.indexingHash, 0, 0, b.indexingHash)
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
