package simulation

import "container/heap"

type eventKind int

const (
	arrival eventKind = iota
	finish
)

// event is a scheduled simulation event. at is in seconds since the start.
type event struct {
	at    float64
	seq   uint64
	kind  eventKind
	booth int
}

// eventQueue is a min-heap on (at, seq); seq keeps same-time events FIFO.
type eventQueue []event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// scheduler wraps eventQueue with a sequence counter.
type scheduler struct {
	q   eventQueue
	seq uint64
}

func (s *scheduler) schedule(at float64, kind eventKind, booth int) {
	s.seq++
	heap.Push(&s.q, event{at: at, seq: s.seq, kind: kind, booth: booth})
}

func (s *scheduler) peek() (event, bool) {
	if len(s.q) == 0 {
		return event{}, false
	}
	return s.q[0], true
}

func (s *scheduler) next() event { return heap.Pop(&s.q).(event) }
