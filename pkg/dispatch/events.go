package dispatch

import "container/heap"

// event is one scheduled callback on the engine's cycle timeline.
type event struct {
	when int64
	name string
	fire func(*Engine)
}

type eventHeap []*event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].when < h[j].when }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Schedule queues fire to run on the dispatch thread once cyclesFromNow
// guest cycles have elapsed. Events only run between slices, never
// mid-block.
func (e *Engine) Schedule(cyclesFromNow int64, name string, fire func(*Engine)) {
	heap.Push(&e.events, &event{when: e.now + cyclesFromNow, name: name, fire: fire})
}

// Now returns the engine's cycle counter.
func (e *Engine) Now() int64 {
	return e.now
}

func (e *Engine) serviceEvents() {
	for len(e.events) > 0 && e.events[0].when <= e.now {
		ev := heap.Pop(&e.events).(*event)
		ev.fire(e)
	}
}

// sliceCycles bounds the next slice by the soonest pending event so a
// long budget never runs past a deadline.
func (e *Engine) sliceCycles() int32 {
	slice := e.cfg.SliceCycles
	if len(e.events) > 0 {
		if until := e.events[0].when - e.now; until < int64(slice) {
			slice = int32(until)
		}
	}
	if slice < 1 {
		slice = 1
	}
	return slice
}
