package bus

import "github.com/alejandrodnm/quantx/internal/domain"

// queued wraps an event with an insertion sequence so equal priorities
// dequeue in publish order.
type queued struct {
	event domain.Event
	seq   uint64
}

type eventHeap []queued

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].event.Priority != h[j].event.Priority {
		return h[i].event.Priority < h[j].event.Priority
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
