package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apperrors "github.com/inkroad/pushgate/internal/errors"
	"github.com/inkroad/pushgate/internal/hub"
	"github.com/inkroad/pushgate/internal/metrics"
)

const blockedRetryAfter = "60"

// connectionInfoFrom extracts the caller-supplied identity of a stream.
// Authorization happens upstream; the gateway trusts these values.
func (s *Server) connectionInfoFrom(c echo.Context) hub.ConnectionInfo {
	req := c.Request()

	sessionID := c.QueryParam("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	userID := req.Header.Get("X-User-ID")
	if userID == "" {
		userID = c.QueryParam("user")
	}

	return hub.ConnectionInfo{
		RemoteAddr: c.RealIP(),
		UserAgent:  req.UserAgent(),
		TabID:      c.QueryParam("tab"),
		UserID:     userID,
		SessionID:  sessionID,
		Origin:     req.Header.Get("Origin"),
	}
}

// admitStream runs the blocked-tab and connection-limit checks shared by both
// transports. A nil return means a limit slot is held; the caller must
// release it when the stream ends.
func (s *Server) admitStream(c echo.Context, tabID string) error {
	if tabID != "" && s.hub.IsBlocked(tabID) {
		metrics.StreamsRejectedTotal.WithLabelValues("blocked_tab").Inc()
		return apperrors.RateLimitedError("tab is temporarily blocked, retry later").
			WithRetryAfter(blockedRetryAfter).
			WithContext("tab_id", tabID)
	}

	ok, reason := s.limits.Acquire(c.RealIP())
	if !ok {
		metrics.StreamsRejectedTotal.WithLabelValues(string(reason)).Inc()
		if reason == LimitReasonGlobal {
			return apperrors.UnavailableError("connection refused").
				WithContext("reason", string(reason))
		}
		return apperrors.RateLimitedError("connection refused").
			WithContext("reason", string(reason))
	}

	return nil
}

func (s *Server) handleSSE(c echo.Context) error {
	info := s.connectionInfoFrom(c)

	if err := s.admitStream(c, info.TabID); err != nil {
		return err
	}
	defer s.limits.Release(info.RemoteAddr)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	sink := newSSESink(resp, resp)
	id := s.hub.Register(sink, info)
	metrics.StreamsOpenedTotal.WithLabelValues("sse").Inc()

	// Block until the client goes away or the hub force-closes the sink.
	select {
	case <-c.Request().Context().Done():
	case <-sink.Done():
	}

	s.hub.Unregister(id)
	return nil
}

func (s *Server) handleWebSocket(c echo.Context) error {
	info := s.connectionInfoFrom(c)

	if err := s.admitStream(c, info.TabID); err != nil {
		return err
	}
	defer s.limits.Release(info.RemoteAddr)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.WarnContext(c.Request().Context(), "Failed to upgrade WebSocket", "error", err)
		return nil
	}

	sink := newWSSink(conn)
	id := s.hub.Register(sink, info)
	metrics.StreamsOpenedTotal.WithLabelValues("websocket").Inc()

	// Read pump: blocks until the client disconnects or the hub closes the
	// underlying connection during a forced drain.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.hub.Unregister(id)
	_ = sink.Close()
	return nil
}

// --- Publish API ---

type publishRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handlePublish(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.Event == "" {
		return apperrors.ValidationError("event name is required")
	}

	s.hub.BroadcastAll(req.Event, req.Payload)
	s.relayPublish(c, req.Event, req.Payload, "")

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handlePublishToUser(c echo.Context) error {
	userID := c.Param("id")

	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.Event == "" {
		return apperrors.ValidationError("event name is required")
	}

	s.hub.BroadcastToUser(req.Event, req.Payload, userID)
	s.relayPublish(c, req.Event, req.Payload, userID)

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// relayPublish forwards a publish to the other instances, best effort. A
// relay failure degrades to local-only delivery.
func (s *Server) relayPublish(c echo.Context, event string, payload json.RawMessage, userID string) {
	if s.relay == nil {
		return
	}
	if err := s.relay.Publish(c.Request().Context(), event, payload, userID); err != nil {
		slog.WarnContext(c.Request().Context(), "Failed to relay published event", "event", event, "error", err)
	}
}

// --- Diagnostics ---

func (s *Server) handleConnections(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.Snapshot())
}

func (s *Server) handleDiagnostics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"analysis":       s.hub.Analysis(),
		"duplicate_tabs": s.hub.DuplicateTabs(),
		"limits":         s.limits.Status(),
	})
}

func (s *Server) handleTabActivity(c echo.Context) error {
	tabID := c.Param("id")
	return c.JSON(http.StatusOK, map[string]any{
		"entries": s.hub.TabActivity(tabID),
		"stats":   s.hub.TabStats(tabID),
		"blocked": s.hub.IsBlocked(tabID),
	})
}

func (s *Server) handleMaintenance(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.RunMaintenanceCycle())
}
