package command

import "time"

type seenEntry struct {
	status     Status
	terminalAt time.Time
	ackedAt    time.Time
}

// dedupIndex remembers every command id until its terminal status has been
// acknowledged by a reporting channel and the grace window has passed.
type dedupIndex struct {
	capacity int
	grace    time.Duration
	entries  map[string]*seenEntry
}

func newDedupIndex(capacity int, grace time.Duration) *dedupIndex {
	return &dedupIndex{capacity: capacity, grace: grace, entries: make(map[string]*seenEntry)}
}

func (d *dedupIndex) get(id string) (*seenEntry, bool) {
	e, ok := d.entries[id]
	return e, ok
}

func (d *dedupIndex) len() int { return len(d.entries) }

// add records a new id. It fails with ErrBackpressure when the index is full of
// entries that may not be evicted yet.
func (d *dedupIndex) add(id string, now time.Time) error {
	if len(d.entries) >= d.capacity {
		d.evict(now)
		if len(d.entries) >= d.capacity {
			return ErrBackpressure
		}
	}
	d.entries[id] = &seenEntry{status: StatusReceived}
	return nil
}

func (d *dedupIndex) setStatus(id string, s Status, now time.Time) {
	e, ok := d.entries[id]
	if !ok {
		return
	}
	e.status = s
	if s.Terminal() && e.terminalAt.IsZero() {
		e.terminalAt = now
	}
}

func (d *dedupIndex) ack(id string, now time.Time) {
	if e, ok := d.entries[id]; ok && e.ackedAt.IsZero() {
		e.ackedAt = now
	}
}

// restore inserts a journaled outcome, bypassing the capacity check.
func (d *dedupIndex) restore(id string, s Status, terminalAt, ackedAt time.Time) {
	d.entries[id] = &seenEntry{status: s, terminalAt: terminalAt, ackedAt: ackedAt}
}

func (d *dedupIndex) evictable(e *seenEntry, now time.Time) bool {
	return e.status.Terminal() && !e.ackedAt.IsZero() && now.Sub(e.ackedAt) >= d.grace
}

func (d *dedupIndex) evict(now time.Time) int {
	n := 0
	for id, e := range d.entries {
		if d.evictable(e, now) {
			delete(d.entries, id)
			n++
		}
	}
	return n
}
