package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"kai/server/internal/core"
	"kai/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application hosting the websocket route and the REST
// status surface.
type Server struct {
	echo      *echo.Echo
	registry  *core.Registry
	startedAt time.Time
}

// New constructs an Echo app with websocket + status routes.
func New(registry *core.Registry, limiter *core.RateLimiter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, registry: registry, startedAt: time.Now()}
	e.GET("/health", s.handleHealth)
	e.GET("/api/state", s.handleState)
	ws.NewHandler(registry, limiter).Register(e)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
// A non-nil tlsConfig serves wss/https on the same address.
func (s *Server) Run(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	if tlsConfig != nil {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		s.echo.Listener = tls.NewListener(ln, tlsConfig)
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(c echo.Context) error {
	rooms, conns := s.registry.Stats()
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Rooms:       rooms,
		Connections: conns,
	})
}

type stateResponse struct {
	Rooms         int   `json:"rooms"`
	Connections   int   `json:"connections"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func (s *Server) handleState(c echo.Context) error {
	rooms, conns := s.registry.Stats()
	return c.JSON(http.StatusOK, stateResponse{
		Rooms:         rooms,
		Connections:   conns,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}
