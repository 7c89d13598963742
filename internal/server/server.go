package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/inkroad/pushgate/internal/config"
	apperrors "github.com/inkroad/pushgate/internal/errors"
	"github.com/inkroad/pushgate/internal/hub"
	"github.com/inkroad/pushgate/internal/platform/correlation"
)

// eventRelay forwards published events to other gateway instances.
// Nil when the gateway runs standalone.
type eventRelay interface {
	Publish(ctx context.Context, event string, payload any, userID string) error
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	hub       *hub.Hub
	relay     eventRelay
	redis     *goredis.Client
	limits    *ConnectionLimits
	upgrader  websocket.Upgrader
	startTime time.Time
}

func NewServer(cfg *config.Config, h *hub.Hub, relay eventRelay, redisClient *goredis.Client) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(correlation.Middleware())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:   e,
		config: cfg,
		hub:    h,
		relay:  relay,
		redis:  redisClient,
		limits: NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst),
		upgrader: websocket.Upgrader{
			// Identity is caller-supplied; origin checks belong to the
			// fronting proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
