package rank

import (
	"container/heap"
	"slices"

	"github.com/sells-group/plansync/internal/model"
)

// TopK keeps the K best plans seen so far, at most one per ID. The worst
// retained plan sits at the heap root so each Offer costs O(log K).
type TopK struct {
	k int
	h planHeap
}

// NewTopK creates a TopK holding at most k plans.
func NewTopK(k int) *TopK {
	if k < 0 {
		k = 0
	}
	return &TopK{k: k, h: planHeap{index: make(map[string]int, k)}}
}

// Offer considers p for membership. A plan whose ID is already retained
// replaces the retained one only if it supersedes it.
func (t *TopK) Offer(p model.Plan) {
	if t.k == 0 {
		return
	}
	if i, ok := t.h.index[p.ID]; ok {
		if Supersedes(&p, &t.h.items[i]) {
			t.h.items[i] = p
			heap.Fix(&t.h, i)
		}
		return
	}
	if t.h.Len() < t.k {
		heap.Push(&t.h, p)
		return
	}
	if Less(&p, &t.h.items[0]) {
		delete(t.h.index, t.h.items[0].ID)
		t.h.items[0] = p
		t.h.index[p.ID] = 0
		heap.Fix(&t.h, 0)
	}
}

// Len returns the number of retained plans.
func (t *TopK) Len() int { return t.h.Len() }

// Sorted returns the retained plans best first.
func (t *TopK) Sorted() []model.Plan {
	out := slices.Clone(t.h.items)
	slices.SortFunc(out, func(a, b model.Plan) int {
		switch {
		case Less(&a, &b):
			return -1
		case Less(&b, &a):
			return 1
		}
		return 0
	})
	return out
}

// planHeap is a min-heap under Less: the root ranks last.
type planHeap struct {
	items []model.Plan
	index map[string]int
}

func (h planHeap) Len() int           { return len(h.items) }
func (h planHeap) Less(i, j int) bool { return Less(&h.items[j], &h.items[i]) }

func (h planHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].ID] = i
	h.index[h.items[j].ID] = j
}

func (h *planHeap) Push(x any) {
	p := x.(model.Plan)
	h.index[p.ID] = len(h.items)
	h.items = append(h.items, p)
}

func (h *planHeap) Pop() any {
	n := len(h.items) - 1
	p := h.items[n]
	h.items = h.items[:n]
	delete(h.index, p.ID)
	return p
}
