package hub

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// EntryKind classifies a lifecycle event in a tab's activity journal.
type EntryKind string

const (
	EntryConnected           EntryKind = "connected"
	EntryDisconnected        EntryKind = "disconnected"
	EntryDuplicateSignalSent EntryKind = "duplicate-signal-sent"
	EntryBlocked             EntryKind = "blocked"
	EntryForcedClosure       EntryKind = "forced-closure"
)

const (
	journalCapacity = 20
	maxIntervals    = 10
)

// ActivityEntry is one recorded lifecycle event for a tab.
type ActivityEntry struct {
	Time         time.Time `json:"time"`
	Kind         EntryKind `json:"kind"`
	ConnectionID int64     `json:"connection_id,omitempty"`
	Details      string    `json:"details,omitempty"`
}

// ActivityStats summarizes a tab's journal for anti-storm decisions and
// diagnostics.
type ActivityStats struct {
	Connects            int             `json:"connects"`
	Disconnects         int             `json:"disconnects"`
	DuplicateSignals    int             `json:"duplicate_signals"`
	LastConnect         time.Time       `json:"last_connect"`
	LastDuplicateSignal time.Time       `json:"last_duplicate_signal"`
	ConnectIntervals    []time.Duration `json:"connect_intervals"`
}

// journal keeps a bounded per-tab ring of lifecycle events. Only accessed
// from the hub actor goroutine.
type journal struct {
	clock   clockwork.Clock
	entries map[string][]ActivityEntry
}

func newJournal(clock clockwork.Clock) *journal {
	return &journal{
		clock:   clock,
		entries: make(map[string][]ActivityEntry),
	}
}

// append records an event for a tab, evicting the oldest entry when the ring
// is full. Events without a tab are not journaled.
func (j *journal) append(tabID string, kind EntryKind, connectionID int64, details string) {
	if tabID == "" {
		return
	}
	ring := j.entries[tabID]
	if len(ring) >= journalCapacity {
		ring = ring[1:]
	}
	ring = append(ring, ActivityEntry{
		Time:         j.clock.Now(),
		Kind:         kind,
		ConnectionID: connectionID,
		Details:      details,
	})
	j.entries[tabID] = ring
}

// stats derives per-tab statistics from the recorded ring.
func (j *journal) stats(tabID string) ActivityStats {
	var s ActivityStats
	var connectTimes []time.Time

	for _, e := range j.entries[tabID] {
		switch e.Kind {
		case EntryConnected:
			s.Connects++
			s.LastConnect = e.Time
			connectTimes = append(connectTimes, e.Time)
		case EntryDisconnected:
			s.Disconnects++
		case EntryDuplicateSignalSent:
			s.DuplicateSignals++
			s.LastDuplicateSignal = e.Time
		}
	}

	for i := 1; i < len(connectTimes); i++ {
		s.ConnectIntervals = append(s.ConnectIntervals, connectTimes[i].Sub(connectTimes[i-1]))
	}
	if len(s.ConnectIntervals) > maxIntervals {
		s.ConnectIntervals = s.ConnectIntervals[len(s.ConnectIntervals)-maxIntervals:]
	}
	return s
}

// tab returns a copy of a tab's ring, oldest first.
func (j *journal) tab(tabID string) []ActivityEntry {
	ring := j.entries[tabID]
	out := make([]ActivityEntry, len(ring))
	copy(out, ring)
	return out
}

// drop removes a tab's history entirely.
func (j *journal) drop(tabID string) {
	delete(j.entries, tabID)
}
