package dsa

// ─── Bounded Top-K (Min-Heap) ───────────────────────────────────────────────
// Keeps the K best items seen so far in a binary min-heap whose root is the
// worst survivor. Selecting K from n costs O(n log K) and O(K) memory.
//
// Operations:
//   Push:    O(log K) (replaces the root when the heap is full)
//   Sorted:  O(K log K)
//   Len:     O(1)
//
// Not safe for concurrent use; callers build one per query.

// TopK selects the k highest-ranked items under better.
type TopK[T any] struct {
	k      int
	heap   []T
	better func(a, b T) bool // a ranks above b
}

// NewTopK creates a selector for the k best items. better must be a strict
// total order for the result to be deterministic.
func NewTopK[T any](k int, better func(a, b T) bool) *TopK[T] {
	if k < 0 {
		k = 0
	}
	return &TopK[T]{k: k, heap: make([]T, 0, k), better: better}
}

// Push offers an item. It is kept only if it beats the current worst
// survivor or the heap is not full yet.
func (h *TopK[T]) Push(item T) {
	if h.k == 0 {
		return
	}
	if len(h.heap) < h.k {
		h.heap = append(h.heap, item)
		h.siftUp(len(h.heap) - 1)
		return
	}
	if !h.better(item, h.heap[0]) {
		return
	}
	h.heap[0] = item
	h.siftDown(0)
}

// Len returns the number of retained items.
func (h *TopK[T]) Len() int { return len(h.heap) }

// Sorted drains the heap and returns the survivors best first.
func (h *TopK[T]) Sorted() []T {
	out := make([]T, len(h.heap))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = h.heap[0]
		last := len(h.heap) - 1
		h.heap[0] = h.heap[last]
		h.heap = h.heap[:last]
		if len(h.heap) > 0 {
			h.siftDown(0)
		}
	}
	return out
}

// less orders the heap worst-first so the root is the eviction candidate.
func (h *TopK[T]) less(i, j int) bool {
	return h.better(h.heap[j], h.heap[i])
}

// siftUp restores heap property after insertion.
func (h *TopK[T]) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if h.less(idx, parent) {
			h.heap[idx], h.heap[parent] = h.heap[parent], h.heap[idx]
			idx = parent
		} else {
			break
		}
	}
}

// siftDown restores heap property after replacing the root.
func (h *TopK[T]) siftDown(idx int) {
	n := len(h.heap)
	for {
		smallest := idx
		left := 2*idx + 1
		right := 2*idx + 2

		if left < n && h.less(left, smallest) {
			smallest = left
		}
		if right < n && h.less(right, smallest) {
			smallest = right
		}
		if smallest == idx {
			break
		}
		h.heap[idx], h.heap[smallest] = h.heap[smallest], h.heap[idx]
		idx = smallest
	}
}
