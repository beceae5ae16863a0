package gena

import "container/heap"

// subscriptionHeap orders Subscriptions by ascending expiry so the
// scheduler can always sleep until the single nearest deadline.
type subscriptionHeap []*Subscription

func (h subscriptionHeap) Len() int { return len(h) }

func (h subscriptionHeap) Less(i, j int) bool {
	return h[i].expiry.Before(h[j].expiry)
}

func (h subscriptionHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *subscriptionHeap) Push(x any) {
	s := x.(*Subscription)
	s.heapIndex = len(*h)
	*h = append(*h, s)
}

func (h *subscriptionHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.heapIndex = -1
	*h = old[:n-1]
	return s
}

// removeByKey drops the subscription for key, wherever it currently sits
// in the heap, and restores the heap invariant. No-op if not present.
func (h *subscriptionHeap) removeByKey(key string) {
	for i, s := range *h {
		if s.svc.Key() == key {
			heap.Remove(h, i)
			return
		}
	}
}
