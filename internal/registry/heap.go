package registry

import "time"

// timerEntry is one slot in the min-heap the driver goroutine pops from.
// seq breaks ties between equal deadlines in insertion order.
type timerEntry struct {
	jobID         string
	scheduledTime time.Time
	seq           uint64
	index         int // maintained by container/heap
}

// timerHeap is a container/heap.Interface ordered by scheduledTime, then
// seq. Entries for cancelled jobs are left in place and skipped by the
// driver (lazy deletion) rather than removed eagerly, since
// container/heap has no O(1) arbitrary-element delete.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].scheduledTime.Equal(h[j].scheduledTime) {
		return h[i].seq < h[j].seq
	}
	return h[i].scheduledTime.Before(h[j].scheduledTime)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
