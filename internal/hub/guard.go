package hub

import (
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// ignoredSignalThreshold is how many ignored duplicate-close signals a
	// tab gets before it is blocked.
	ignoredSignalThreshold = 3
	// blockDuration is how long a blocked tab stays blocked.
	blockDuration = 60 * time.Second
)

// abuseRecord tracks one tab's ignored-signal history.
type abuseRecord struct {
	ignoredCount  int
	lastBlockedAt time.Time
	blockedUntil  time.Time
	// lastFlaggedConnect dedupes flagging: the sweep only counts a given
	// reconnect once even if it observes the same journal state twice.
	lastFlaggedConnect time.Time
}

// guard issues time-boxed blocks against tabs that repeatedly ignore
// duplicate-connection close signals. Only accessed from the hub actor
// goroutine; expiry is lazy and happens on read.
type guard struct {
	clock   clockwork.Clock
	records map[string]*abuseRecord
}

func newGuard(clock clockwork.Clock) *guard {
	return &guard{
		clock:   clock,
		records: make(map[string]*abuseRecord),
	}
}

// recordIgnored counts one ignored duplicate signal for a tab. Returns true
// if this occurrence crossed the threshold and the tab is now blocked.
func (g *guard) recordIgnored(tabID string) bool {
	rec := g.records[tabID]
	if rec == nil {
		rec = &abuseRecord{}
		g.records[tabID] = rec
	}

	rec.ignoredCount++
	if rec.ignoredCount < ignoredSignalThreshold {
		return false
	}

	now := g.clock.Now()
	rec.ignoredCount = 0
	rec.lastBlockedAt = now
	rec.blockedUntil = now.Add(blockDuration)
	return true
}

// isBlocked is the single accessor for block state. A record whose window
// has elapsed is deleted on read, so every call site sees the same lazy
// expiry semantics.
func (g *guard) isBlocked(tabID string) bool {
	rec := g.records[tabID]
	if rec == nil {
		return false
	}
	if rec.blockedUntil.IsZero() {
		return false
	}
	if g.clock.Now().Before(rec.blockedUntil) {
		return true
	}
	delete(g.records, tabID)
	return false
}

// alreadyFlagged reports whether the reconnect at connectTime was already
// counted against this tab.
func (g *guard) alreadyFlagged(tabID string, connectTime time.Time) bool {
	rec := g.records[tabID]
	return rec != nil && !connectTime.After(rec.lastFlaggedConnect)
}

// markFlagged remembers the reconnect time the sweep just counted.
func (g *guard) markFlagged(tabID string, connectTime time.Time) {
	rec := g.records[tabID]
	if rec == nil {
		rec = &abuseRecord{}
		g.records[tabID] = rec
	}
	rec.lastFlaggedConnect = connectTime
}
