package hub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/inkroad/pushgate/internal/metrics"
	"github.com/inkroad/pushgate/internal/sse"
)

const (
	commandTimeout   = 5 * time.Second
	commandBuffer    = 256
	taskTickInterval = 50 * time.Millisecond
	stopTimeout      = 10 * time.Second
)

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	sink  Sink
	info  ConnectionInfo
	reply chan int64
}

type unregisterCmd struct {
	baseHubCmd
	id    int64
	reply chan bool
}

type broadcastCmd struct {
	baseHubCmd
	event  string
	frame  []byte
	userID string
	toUser bool
}

type sendCmd struct {
	baseHubCmd
	id    int64
	frame []byte
}

type snapshotCmd struct {
	baseHubCmd
	reply chan []ConnectionSummary
}

type duplicateTabsCmd struct {
	baseHubCmd
	reply chan []string
}

type analysisCmd struct {
	baseHubCmd
	reply chan ConnectionAnalysis
}

type isBlockedCmd struct {
	baseHubCmd
	tabID string
	reply chan bool
}

type recordIgnoredCmd struct {
	baseHubCmd
	tabID string
}

type tabActivityCmd struct {
	baseHubCmd
	tabID string
	reply chan []ActivityEntry
}

type tabStatsCmd struct {
	baseHubCmd
	tabID string
	reply chan ActivityStats
}

type maintenanceCmd struct {
	baseHubCmd
	prune   bool
	resolve bool
	reply   chan MaintenanceResult
}

type stopCmd struct {
	baseHubCmd
}

// MaintenanceResult reports what one maintenance invocation did.
type MaintenanceResult struct {
	StalePruned       int `json:"stale_pruned"`
	DuplicatesDrained int `json:"duplicates_drained"`
}

// Hub is the process-wide connection registry and fan-out engine. All state
// lives behind a single actor goroutine fed by a command channel, so registry
// mutations, broadcasts, and maintenance phases never interleave.
type Hub struct {
	cmdCh  chan hubCmd
	clock  clockwork.Clock
	nextID int64
	conns  map[int64]*connection

	journal *journal
	guard   *guard

	// duplicate-drain state machine: per-connection phase plus one scheduled
	// task list pumped by the actor's ticker.
	drains map[int64]*drain
	tasks  []drainTask

	done chan struct{}
}

// New creates a hub and starts its actor goroutine.
func New(clock clockwork.Clock) *Hub {
	h := &Hub{
		cmdCh:   make(chan hubCmd, commandBuffer),
		clock:   clock,
		conns:   make(map[int64]*connection),
		journal: newJournal(clock),
		guard:   newGuard(clock),
		drains:  make(map[int64]*drain),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			metrics.HubPanicsTotal.Inc()
			h.closeAll()
		}
	}()

	ticker := h.clock.NewTicker(taskTickInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				c.reply <- h.handleRegister(c.sink, c.info)
			case unregisterCmd:
				removed := h.removeConnection(c.id, "client disconnected")
				if c.reply != nil {
					c.reply <- removed
				}
			case broadcastCmd:
				h.handleBroadcast(c)
			case sendCmd:
				h.handleSend(c)
			case snapshotCmd:
				c.reply <- h.snapshot()
			case duplicateTabsCmd:
				c.reply <- h.duplicateTabs()
			case analysisCmd:
				c.reply <- h.analysis()
			case isBlockedCmd:
				c.reply <- h.guard.isBlocked(c.tabID)
			case recordIgnoredCmd:
				h.recordIgnored(c.tabID)
			case tabActivityCmd:
				c.reply <- h.journal.tab(c.tabID)
			case tabStatsCmd:
				c.reply <- h.journal.stats(c.tabID)
			case maintenanceCmd:
				c.reply <- h.handleMaintenance(c.prune, c.resolve)
			case stopCmd:
				h.closeAll()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-ticker.Chan():
			h.runDueTasks()
		}
	}
}

// --- Registry ---

func (h *Hub) handleRegister(sink Sink, info ConnectionInfo) int64 {
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = h.clock.Now()
	}

	h.nextID++
	id := h.nextID
	h.conns[id] = &connection{id: id, sink: sink, info: info}
	h.journal.append(info.TabID, EntryConnected, id, "")

	metrics.HubConnectionsCurrent.Set(float64(len(h.conns)))
	metrics.HubRegistrationsTotal.Inc()

	slog.Debug("Connection registered",
		"connection_id", id,
		"tab_id", info.TabID,
		"user_id", info.UserID,
		"total_connections", len(h.conns),
	)
	return id
}

// removeConnection is the single removal path. Idempotent: removing an
// absent id is a no-op returning false.
func (h *Hub) removeConnection(id int64, details string) bool {
	conn, ok := h.conns[id]
	if !ok {
		return false
	}
	delete(h.conns, id)
	h.cancelDrain(id)
	h.journal.append(conn.info.TabID, EntryDisconnected, id, details)

	metrics.HubConnectionsCurrent.Set(float64(len(h.conns)))

	slog.Debug("Connection unregistered",
		"connection_id", id,
		"tab_id", conn.info.TabID,
		"details", details,
		"total_connections", len(h.conns),
	)
	return true
}

func (h *Hub) snapshot() []ConnectionSummary {
	now := h.clock.Now()
	out := make([]ConnectionSummary, 0, len(h.conns))
	for id, conn := range h.conns {
		out = append(out, ConnectionSummary{
			ID:           id,
			RemoteAddr:   conn.info.RemoteAddr,
			TabID:        conn.info.TabID,
			UserID:       conn.info.UserID,
			SessionID:    conn.info.SessionID,
			Origin:       conn.info.Origin,
			RegisteredAt: conn.info.RegisteredAt,
			AgeSeconds:   now.Sub(conn.info.RegisteredAt).Seconds(),
		})
	}
	return out
}

func (h *Hub) duplicateTabs() []string {
	counts := make(map[string]int)
	for _, conn := range h.conns {
		if conn.info.TabID != "" {
			counts[conn.info.TabID]++
		}
	}
	var tabs []string
	for tab, n := range counts {
		if n > 1 {
			tabs = append(tabs, tab)
		}
	}
	return tabs
}

// --- Fan-out ---

func (h *Hub) handleBroadcast(c broadcastCmd) {
	var failed []int64
	delivered := 0
	for id, conn := range h.conns {
		if c.toUser && conn.info.UserID != c.userID {
			continue
		}
		if err := conn.sink.Write(c.frame); err != nil {
			failed = append(failed, id)
			continue
		}
		delivered++
	}

	// Never mutate the registry while iterating it.
	for _, id := range failed {
		metrics.HubWriteFailuresTotal.Inc()
		h.removeConnection(id, "write failure during broadcast")
	}

	scope := "all"
	if c.toUser {
		scope = "user"
	}
	metrics.HubBroadcastsTotal.WithLabelValues(scope).Inc()
	slog.Debug("Broadcast delivered",
		"event", c.event,
		"scope", scope,
		"delivered", delivered,
		"failed", len(failed),
	)
}

func (h *Hub) handleSend(c sendCmd) {
	conn, ok := h.conns[c.id]
	if !ok {
		return
	}
	if err := conn.sink.Write(c.frame); err != nil {
		metrics.HubWriteFailuresTotal.Inc()
		h.removeConnection(c.id, "write failure during unicast")
	}
}

func (h *Hub) closeAll() {
	for id, conn := range h.conns {
		_ = conn.sink.Close()
		delete(h.conns, id)
	}
	h.drains = make(map[int64]*drain)
	h.tasks = nil
	metrics.HubConnectionsCurrent.Set(0)
	slog.Info("Hub stopped, all connections closed")
}

// --- Public API ---

// Register adds a connection and returns its id. Always succeeds; callers
// that care about abuse blocks must check IsBlocked first.
func (h *Hub) Register(sink Sink, info ConnectionInfo) int64 {
	reply := make(chan int64, 1)
	h.cmdCh <- registerCmd{sink: sink, info: info, reply: reply}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case id := <-reply:
		return id
	case <-timer.Chan():
		slog.Warn("Register command timed out", "timeout", commandTimeout)
		return 0
	}
}

// Unregister removes a connection. Returns false if the id is not currently
// registered; the transport close path and a failed-write path may both race
// to remove the same connection, so this is a normal outcome.
func (h *Hub) Unregister(id int64) bool {
	reply := make(chan bool, 1)
	h.cmdCh <- unregisterCmd{id: id, reply: reply}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case removed := <-reply:
		return removed
	case <-timer.Chan():
		slog.Warn("Unregister command timed out", "timeout", commandTimeout)
		return false
	}
}

// BroadcastAll serializes the event once and delivers it to every registered
// connection, best effort. Failing connections are unregistered; no error is
// ever surfaced to the caller.
func (h *Hub) BroadcastAll(event string, payload any) {
	frame, err := sse.Encode(event, payload)
	if err != nil {
		slog.Error("Failed to encode broadcast event", "event", event, "error", err)
		return
	}
	h.cmdCh <- broadcastCmd{event: event, frame: frame}
}

// BroadcastToUser delivers an event to every connection registered for the
// given user. Zero matching connections is a silent no-op.
func (h *Hub) BroadcastToUser(event string, payload any, userID string) {
	frame, err := sse.Encode(event, payload)
	if err != nil {
		slog.Error("Failed to encode broadcast event", "event", event, "error", err)
		return
	}
	h.cmdCh <- broadcastCmd{event: event, frame: frame, userID: userID, toUser: true}
}

// SendToConnection delivers an event to one connection. Unknown ids are a
// silent no-op; a failed write unregisters the connection.
func (h *Hub) SendToConnection(id int64, event string, payload any) {
	frame, err := sse.Encode(event, payload)
	if err != nil {
		slog.Error("Failed to encode unicast event", "event", event, "error", err)
		return
	}
	h.cmdCh <- sendCmd{id: id, frame: frame}
}

// IsBlocked reports whether a tab is currently inside an abuse block window.
// Transports consult this before accepting a new stream; it never prevents
// registration by itself.
func (h *Hub) IsBlocked(tabID string) bool {
	reply := make(chan bool, 1)
	h.cmdCh <- isBlockedCmd{tabID: tabID, reply: reply}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case blocked := <-reply:
		return blocked
	case <-timer.Chan():
		slog.Warn("IsBlocked command timed out", "timeout", commandTimeout)
		return false
	}
}

// RecordIgnoredDuplicate counts one ignored duplicate-close signal against a
// tab. Exposed for callers that detect storms outside the maintenance cycle.
func (h *Hub) RecordIgnoredDuplicate(tabID string) {
	h.cmdCh <- recordIgnoredCmd{tabID: tabID}
}

// Snapshot returns a read-only projection of all live connections.
func (h *Hub) Snapshot() []ConnectionSummary {
	reply := make(chan []ConnectionSummary, 1)
	h.cmdCh <- snapshotCmd{reply: reply}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case s := <-reply:
		return s
	case <-timer.Chan():
		slog.Warn("Snapshot command timed out", "timeout", commandTimeout)
		return nil
	}
}

// DuplicateTabs returns the tab ids that currently have more than one live
// connection.
func (h *Hub) DuplicateTabs() []string {
	reply := make(chan []string, 1)
	h.cmdCh <- duplicateTabsCmd{reply: reply}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case tabs := <-reply:
		return tabs
	case <-timer.Chan():
		slog.Warn("DuplicateTabs command timed out", "timeout", commandTimeout)
		return nil
	}
}

// TabActivity returns a copy of a tab's journal, oldest entry first.
func (h *Hub) TabActivity(tabID string) []ActivityEntry {
	reply := make(chan []ActivityEntry, 1)
	h.cmdCh <- tabActivityCmd{tabID: tabID, reply: reply}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case entries := <-reply:
		return entries
	case <-timer.Chan():
		slog.Warn("TabActivity command timed out", "timeout", commandTimeout)
		return nil
	}
}

// TabStats returns derived statistics for a tab's journal.
func (h *Hub) TabStats(tabID string) ActivityStats {
	reply := make(chan ActivityStats, 1)
	h.cmdCh <- tabStatsCmd{tabID: tabID, reply: reply}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case stats := <-reply:
		return stats
	case <-timer.Chan():
		slog.Warn("TabStats command timed out", "timeout", commandTimeout)
		return ActivityStats{}
	}
}

// Stop shuts the hub down, closing every registered sink.
func (h *Hub) Stop() {
	h.cmdCh <- stopCmd{}

	timer := h.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
	}
}
