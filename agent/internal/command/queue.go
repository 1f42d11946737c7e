package command

import (
	"container/heap"
	"time"
)

// entry is a command owned by the service loop.
type entry struct {
	cmd      Command
	seq      uint64
	urgent   bool
	index    int
	readyAt  time.Time
	timedOut bool
}

// queue orders ready entries by urgency, then priority, then arrival.
type queue []*entry

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.urgent != b.urgent {
		return a.urgent
	}
	if ra, rb := a.cmd.Priority.rank(), b.cmd.Priority.rank(); ra != rb {
		return ra < rb
	}
	return a.seq < b.seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q *queue) push(e *entry) { heap.Push(q, e) }

func (q *queue) pop() *entry {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*entry)
}

func (q *queue) remove(e *entry) {
	if e.index >= 0 && e.index < q.Len() && (*q)[e.index] == e {
		heap.Remove(q, e.index)
	}
}

// drain empties the queue and returns its entries in dispatch order.
func (q *queue) drain() []*entry {
	out := make([]*entry, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, q.pop())
	}
	return out
}
