package memory

import "github.com/haasonsaas/conductor/pkg/models"

type queueItem struct {
	task *models.MemorySummaryTask
	seq  uint64
}

// taskHeap is a min-heap on (queued_time, seq).
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.task.QueuedTime.Equal(b.task.QueuedTime) {
		return a.task.QueuedTime.Before(b.task.QueuedTime)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
