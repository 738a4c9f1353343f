// Package pairing correlates image messages with text messages from the same
// sender inside a short time window, and remembers which inbound events were
// already processed.
//
// All state is process memory. A restart loses pending pairings, which is
// acceptable because the window is one minute.
package pairing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

// DefaultPairingWindow is the maximum gap between a text and an image from the
// same sender for the two to be treated as one complaint.
const DefaultPairingWindow = 60 * time.Second

// Value is the payload remembered for a sender. Text entries use Body; image
// entries use URL and Caption.
type Value struct {
	Body    string
	URL     string
	Caption string
	// Orphan marks an image that was recorded without any associated text.
	Orphan bool
}

type entryKey struct {
	sender string
	kind   models.MessageKind
}

type entry struct {
	value      Value
	recordedAt int64
}

// expired is the single staleness predicate shared by Lookup and Sweep. The
// boundary is inclusive: an entry exactly windowMs old is still live. Entries
// recorded after nowMs (out-of-order delivery) are live.
func expired(e entry, nowMs, windowMs int64) bool {
	return nowMs-e.recordedAt > windowMs
}

// WindowedStore keeps, per sender, the most recent value of each message kind.
// Timestamps are the events' own timestamps, not arrival time.
type WindowedStore struct {
	mu      sync.Mutex
	entries map[entryKey]entry
}

// NewWindowedStore creates an empty store.
func NewWindowedStore() *WindowedStore {
	return &WindowedStore{entries: make(map[entryKey]entry)}
}

// Store records v for (sender, kind), replacing any previous value.
func (s *WindowedStore) Store(sender string, kind models.MessageKind, v Value, atMs int64) {
	if sender == "" {
		slog.Debug("WindowedStore.Store: ignoring empty sender", "kind", kind)
		return
	}
	s.mu.Lock()
	s.entries[entryKey{sender, kind}] = entry{value: v, recordedAt: atMs}
	s.mu.Unlock()
}

// Lookup returns the live value for (sender, kind). An expired entry is
// deleted and reported as absent, so Lookup mutates near the window boundary.
func (s *WindowedStore) Lookup(sender string, kind models.MessageKind, nowMs, windowMs int64) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(entryKey{sender, kind}, nowMs, windowMs)
}

// Take is Lookup followed by removal of a live entry.
func (s *WindowedStore) Take(sender string, kind models.MessageKind, nowMs, windowMs int64) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entryKey{sender, kind}
	v, ok := s.lookupLocked(k, nowMs, windowMs)
	if ok {
		delete(s.entries, k)
	}
	return v, ok
}

func (s *WindowedStore) lookupLocked(k entryKey, nowMs, windowMs int64) (Value, bool) {
	e, ok := s.entries[k]
	if !ok {
		return Value{}, false
	}
	if expired(e, nowMs, windowMs) {
		delete(s.entries, k)
		return Value{}, false
	}
	return e.value, true
}

// Sweep deletes every entry older than the window and returns how many were removed.
func (s *WindowedStore) Sweep(nowMs, windowMs int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for k, e := range s.entries {
		if expired(e, nowMs, windowMs) {
			delete(s.entries, k)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of entries currently held, live or not yet swept.
func (s *WindowedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
