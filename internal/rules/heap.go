package rules

import "time"

// heapEntry is one pending schedule in the next-run heap. Entries are
// superseded, never removed: an entry whose generation no longer matches
// its rule is discarded when popped.
type heapEntry struct {
	at  time.Time
	id  string
	gen uint64
}

// scheduleHeap is a min-heap ordered by next-run time, implementing
// container/heap.Interface.
type scheduleHeap []heapEntry

func (h scheduleHeap) Len() int           { return len(h) }
func (h scheduleHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h scheduleHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *scheduleHeap) Push(x any) {
	*h = append(*h, x.(heapEntry))
}

func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
