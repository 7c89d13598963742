package hub

import (
	"log/slog"
	"sort"
	"time"

	"github.com/inkroad/pushgate/internal/metrics"
	"github.com/inkroad/pushgate/internal/sse"
)

const (
	// drainGracePeriod is how long a duplicate connection gets to close
	// itself before the hub closes it.
	drainGracePeriod = 3 * time.Second
	// rapidReconnectThreshold marks a reconnect interval as storm-like.
	rapidReconnectThreshold = 5 * time.Second
	// ignoredSignalWindow is how soon after a duplicate signal a reconnect
	// counts as ignoring that signal.
	ignoredSignalWindow = 10 * time.Second

	// DuplicateEvent is the event name sent to connections being drained.
	DuplicateEvent = "duplicate_connection"
)

// signalRetryDelays staggers the duplicate signal so a jittery client still
// has several chances to process it before the grace period ends. The first
// signal goes out immediately when the drain starts.
var signalRetryDelays = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond}

type drainPhase int

const (
	phaseDraining drainPhase = iota
	phaseClosing
)

// drain tracks one connection moving through Draining -> Closing -> Closed.
// Unregistering the connection cancels the drain and drops its tasks, so a
// connection that dies mid-drain never sees a stray forced closure.
type drain struct {
	tabID string
	phase drainPhase
	frame []byte
}

type taskKind int

const (
	taskSignal taskKind = iota
	taskForceClose
)

// drainTask is one pending step in a drain, executed by the actor's ticker
// once due.
type drainTask struct {
	due    time.Time
	connID int64
	kind   taskKind
}

func (h *Hub) handleMaintenance(prune, resolve bool) MaintenanceResult {
	start := h.clock.Now()
	var res MaintenanceResult
	if prune {
		res.StalePruned = h.pruneStale()
	}
	if resolve {
		res.DuplicatesDrained = h.resolveDuplicates()
	}
	metrics.SweepDuration.Observe(h.clock.Now().Sub(start).Seconds())
	return res
}

// pruneStale probes every live sink with a keepalive comment and removes the
// ones that fail. Transport close events are not always delivered, so this
// probe bounds registry growth. Two-phase: probe everything first, remove
// after.
func (h *Hub) pruneStale() int {
	var stale []int64
	for id, conn := range h.conns {
		if conn.sink.Closed() {
			stale = append(stale, id)
			continue
		}
		if err := conn.sink.Write(sse.Keepalive); err != nil {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		h.removeConnection(id, "stale connection pruned")
	}

	if len(stale) > 0 {
		metrics.SweepStalePrunedTotal.Add(float64(len(stale)))
		slog.Info("Stale connections pruned", "count", len(stale), "remaining", len(h.conns))
	}
	return len(stale)
}

// resolveDuplicates finds tabs with more than one live connection, keeps the
// newest registration per tab, and starts draining the rest.
func (h *Hub) resolveDuplicates() int {
	byTab := make(map[string][]*connection)
	for _, conn := range h.conns {
		if conn.info.TabID != "" {
			byTab[conn.info.TabID] = append(byTab[conn.info.TabID], conn)
		}
	}

	drained := 0
	for tabID, conns := range byTab {
		if len(conns) < 2 {
			continue
		}

		h.flagIgnoredSignal(tabID)

		// Newest registration survives; ids break ties since they are
		// assigned in registration order.
		sort.Slice(conns, func(i, j int) bool {
			ri, rj := conns[i].info.RegisteredAt, conns[j].info.RegisteredAt
			if ri.Equal(rj) {
				return conns[i].id > conns[j].id
			}
			return ri.After(rj)
		})

		for _, victim := range conns[1:] {
			if _, already := h.drains[victim.id]; already {
				continue
			}
			h.startDrain(victim)
			drained++
		}
	}

	if drained > 0 {
		metrics.SweepDuplicatesDrainedTotal.Add(float64(drained))
	}
	return drained
}

// flagIgnoredSignal checks whether a tab reconnected rapidly right after a
// duplicate signal and, if so, counts it against the abuse guard. Each
// reconnect is counted at most once.
func (h *Hub) flagIgnoredSignal(tabID string) {
	stats := h.journal.stats(tabID)
	if stats.LastDuplicateSignal.IsZero() || stats.LastConnect.IsZero() {
		return
	}
	if !stats.LastConnect.After(stats.LastDuplicateSignal) {
		return
	}
	if stats.LastConnect.Sub(stats.LastDuplicateSignal) > ignoredSignalWindow {
		return
	}
	if len(stats.ConnectIntervals) == 0 {
		return
	}
	if stats.ConnectIntervals[len(stats.ConnectIntervals)-1] >= rapidReconnectThreshold {
		return
	}
	if h.guard.alreadyFlagged(tabID, stats.LastConnect) {
		return
	}

	h.guard.markFlagged(tabID, stats.LastConnect)
	h.recordIgnored(tabID)
}

func (h *Hub) recordIgnored(tabID string) {
	slog.Info("Tab ignored a duplicate-close signal", "tab_id", tabID)
	if h.guard.recordIgnored(tabID) {
		h.journal.append(tabID, EntryBlocked, 0, "repeatedly ignored duplicate signals")
		metrics.GuardBlocksTotal.Inc()
		slog.Warn("Tab blocked", "tab_id", tabID, "block_duration", blockDuration)
	}
}

// startDrain signals a duplicate connection to close itself and schedules the
// staggered retries plus the forced closure.
func (h *Hub) startDrain(victim *connection) {
	frame, err := sse.Encode(DuplicateEvent, map[string]any{
		"connection_id": victim.id,
		"grace_period":  drainGracePeriod.String(),
	})
	if err != nil {
		slog.Error("Failed to encode duplicate signal", "error", err)
		return
	}

	now := h.clock.Now()
	h.drains[victim.id] = &drain{tabID: victim.info.TabID, phase: phaseDraining, frame: frame}
	h.journal.append(victim.info.TabID, EntryDuplicateSignalSent, victim.id, "")

	slog.Info("Draining duplicate connection",
		"connection_id", victim.id,
		"tab_id", victim.info.TabID,
	)

	// First signal goes out immediately. A dead sink just gets removed now
	// instead of at the grace period.
	if err := victim.sink.Write(frame); err != nil {
		metrics.HubWriteFailuresTotal.Inc()
		h.removeConnection(victim.id, "write failure during duplicate signal")
		return
	}

	for _, delay := range signalRetryDelays {
		h.tasks = append(h.tasks, drainTask{due: now.Add(delay), connID: victim.id, kind: taskSignal})
	}
	h.tasks = append(h.tasks, drainTask{due: now.Add(drainGracePeriod), connID: victim.id, kind: taskForceClose})
}

// cancelDrain drops a connection's drain state and pending tasks. Called on
// every removal so a connection that dies mid-drain cancels deterministically.
func (h *Hub) cancelDrain(id int64) {
	if _, ok := h.drains[id]; !ok {
		return
	}
	delete(h.drains, id)

	kept := h.tasks[:0]
	for _, t := range h.tasks {
		if t.connID != id {
			kept = append(kept, t)
		}
	}
	h.tasks = kept
}

// runDueTasks executes every scheduled drain step whose time has come.
func (h *Hub) runDueTasks() {
	if len(h.tasks) == 0 {
		return
	}

	now := h.clock.Now()
	var due []drainTask
	kept := h.tasks[:0]
	for _, t := range h.tasks {
		if t.due.After(now) {
			kept = append(kept, t)
		} else {
			due = append(due, t)
		}
	}
	h.tasks = kept

	for _, t := range due {
		h.runTask(t)
	}
}

func (h *Hub) runTask(t drainTask) {
	d, ok := h.drains[t.connID]
	if !ok {
		return
	}
	conn, ok := h.conns[t.connID]
	if !ok {
		// Registry and drain map are kept consistent by cancelDrain.
		delete(h.drains, t.connID)
		return
	}

	switch t.kind {
	case taskSignal:
		if err := conn.sink.Write(d.frame); err != nil {
			metrics.HubWriteFailuresTotal.Inc()
			h.removeConnection(t.connID, "write failure during duplicate signal")
		}
	case taskForceClose:
		d.phase = phaseClosing
		h.journal.append(d.tabID, EntryForcedClosure, t.connID, "grace period elapsed")
		metrics.SweepForcedClosuresTotal.Inc()
		slog.Info("Forcing duplicate connection closed",
			"connection_id", t.connID,
			"tab_id", d.tabID,
		)
		_ = conn.sink.Close()
		h.removeConnection(t.connID, "forced closure after drain")
	}
}

// --- Public API ---

// RunMaintenanceCycle runs both maintenance phases: stale pruning, then
// duplicate resolution. Returns promptly; drains started by the cycle
// complete on their own schedule.
func (h *Hub) RunMaintenanceCycle() MaintenanceResult {
	return h.maintain(true, true)
}

// PruneStale runs only the stale-pruning phase and returns the number of
// connections removed.
func (h *Hub) PruneStale() int {
	return h.maintain(true, false).StalePruned
}

// ResolveDuplicates runs only the duplicate-resolution phase and returns the
// number of connections that started draining.
func (h *Hub) ResolveDuplicates() int {
	return h.maintain(false, true).DuplicatesDrained
}

func (h *Hub) maintain(prune, resolve bool) MaintenanceResult {
	reply := make(chan MaintenanceResult, 1)
	h.cmdCh <- maintenanceCmd{prune: prune, resolve: resolve, reply: reply}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return res
	case <-timer.Chan():
		slog.Warn("Maintenance command timed out", "timeout", commandTimeout)
		return MaintenanceResult{}
	}
}
