package pairing

import (
	"container/list"
	"sync"
)

// DefaultDedupMaxSize bounds the number of remembered event ids.
const DefaultDedupMaxSize = 10000

// DedupSet remembers processed event ids with bounded memory. When full, the
// oldest-inserted ids are forgotten first; lookups do not refresh an id.
type DedupSet struct {
	mu      sync.Mutex
	maxSize int
	members map[string]*list.Element
	order   *list.List
}

// NewDedupSet creates a set holding at most maxSize ids. A non-positive
// maxSize selects DefaultDedupMaxSize.
func NewDedupSet(maxSize int) *DedupSet {
	if maxSize <= 0 {
		maxSize = DefaultDedupMaxSize
	}
	return &DedupSet{
		maxSize: maxSize,
		members: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// IsProcessed reports whether id has been marked and not yet evicted.
func (d *DedupSet) IsProcessed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.members[id]
	return ok
}

// MarkProcessed records id. Marking an id twice is a no-op.
func (d *DedupSet) MarkProcessed(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markLocked(id)
}

// CheckAndMark records id and reports whether it was already present. The
// check and the insert happen under one lock so concurrent deliveries of the
// same id cannot both see it as new.
func (d *DedupSet) CheckAndMark(id string) (duplicate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.members[id]; ok {
		return true
	}
	d.markLocked(id)
	return false
}

func (d *DedupSet) markLocked(id string) {
	if _, ok := d.members[id]; ok {
		return
	}
	d.members[id] = d.order.PushBack(id)
	for d.order.Len() > d.maxSize {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.members, oldest.Value.(string))
	}
}

// Len returns the number of remembered ids.
func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.members)
}

// MaxSize returns the configured bound.
func (d *DedupSet) MaxSize() int {
	return d.maxSize
}
