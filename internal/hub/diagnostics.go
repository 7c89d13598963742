package hub

import (
	"log/slog"
	"time"
)

// ConnectionAnalysis aggregates uniqueness and age statistics over live
// connections. Operational visibility only; nothing in the hub keys control
// decisions off it.
type ConnectionAnalysis struct {
	Total             int     `json:"total"`
	UniqueTabs        int     `json:"unique_tabs"`
	UniqueSessions    int     `json:"unique_sessions"`
	UniqueUsers       int     `json:"unique_users"`
	UniqueOrigins     int     `json:"unique_origins"`
	OldestAgeSeconds  float64 `json:"oldest_age_seconds"`
	NewestAgeSeconds  float64 `json:"newest_age_seconds"`
	AverageAgeSeconds float64 `json:"average_age_seconds"`
}

func (h *Hub) analysis() ConnectionAnalysis {
	a := ConnectionAnalysis{Total: len(h.conns)}
	if a.Total == 0 {
		return a
	}

	tabs := make(map[string]struct{})
	sessions := make(map[string]struct{})
	users := make(map[string]struct{})
	origins := make(map[string]struct{})

	now := h.clock.Now()
	var oldest, newest, total time.Duration
	first := true
	for _, conn := range h.conns {
		if conn.info.TabID != "" {
			tabs[conn.info.TabID] = struct{}{}
		}
		if conn.info.SessionID != "" {
			sessions[conn.info.SessionID] = struct{}{}
		}
		if conn.info.UserID != "" {
			users[conn.info.UserID] = struct{}{}
		}
		if conn.info.Origin != "" {
			origins[conn.info.Origin] = struct{}{}
		}

		age := now.Sub(conn.info.RegisteredAt)
		total += age
		if first || age > oldest {
			oldest = age
		}
		if first || age < newest {
			newest = age
		}
		first = false
	}

	a.UniqueTabs = len(tabs)
	a.UniqueSessions = len(sessions)
	a.UniqueUsers = len(users)
	a.UniqueOrigins = len(origins)
	a.OldestAgeSeconds = oldest.Seconds()
	a.NewestAgeSeconds = newest.Seconds()
	a.AverageAgeSeconds = (total / time.Duration(a.Total)).Seconds()
	return a
}

// Analysis returns aggregate statistics over all live connections.
func (h *Hub) Analysis() ConnectionAnalysis {
	reply := make(chan ConnectionAnalysis, 1)
	h.cmdCh <- analysisCmd{reply: reply}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case a := <-reply:
		return a
	case <-timer.Chan():
		slog.Warn("Analysis command timed out", "timeout", commandTimeout)
		return ConnectionAnalysis{}
	}
}
