package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Client-facing event streams
	s.echo.GET("/events", s.handleSSE)
	s.echo.GET("/ws/events", s.handleWebSocket)

	// Publish API for other subsystems
	s.echo.POST("/api/publish", s.handlePublish)
	s.echo.POST("/api/publish/users/:id", s.handlePublishToUser)

	// Diagnostics and operations
	s.echo.GET("/api/connections", s.handleConnections)
	s.echo.GET("/api/diagnostics", s.handleDiagnostics)
	s.echo.GET("/api/tabs/:id/activity", s.handleTabActivity)
	s.echo.POST("/api/maintenance", s.handleMaintenance)
}
