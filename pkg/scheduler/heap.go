package scheduler

import "time"

// fireHeap is a min-heap of (job id, fire time) entries keyed by fire
// time. Entries are invalidated lazily: a popped entry is only acted on
// if it still matches the job's current NextRun.
type fireHeap []fireEntry

type fireEntry struct {
	jobID string
	at    time.Time
}

func (h fireHeap) Len() int            { return len(h) }
func (h fireHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h fireHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x interface{}) { *h = append(*h, x.(fireEntry)) }

func (h *fireHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
