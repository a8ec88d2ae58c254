// Package httpapi exposes a read-only introspection surface over the
// domain/bus/connection/name tree for operators and monitoring.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"kdbusd/internal/domain"
)

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	root *domain.Domain
}

// New constructs an Echo app with the introspection routes registered.
func New(root *domain.Domain) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, root: root}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// MountMetrics serves a metrics handler (e.g. promhttp) at /metrics.
func (s *Server) MountMetrics(h http.Handler) {
	s.echo.GET("/metrics", echo.WrapHandler(h))
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/domains", s.handleDomain)
	s.echo.GET("/api/domains/:name", s.handleSubdomain)
	s.echo.GET("/api/buses/:domain/:bus/names", s.handleNames)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
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
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.root.ConnectionCount(),
	})
}

type domainResponse struct {
	Name       string   `json:"name"`
	Buses      []string `json:"buses"`
	Subdomains []string `json:"subdomains"`
}

func (s *Server) handleDomain(c echo.Context) error {
	return c.JSON(http.StatusOK, domainResponse{
		Name:       s.root.Name,
		Buses:      s.root.Buses(),
		Subdomains: s.root.Subdomains(),
	})
}

func (s *Server) handleSubdomain(c echo.Context) error {
	name := c.Param("name")
	child, ok := s.root.Subdomain(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such sub-domain")
	}
	return c.JSON(http.StatusOK, domainResponse{
		Name:       child.Name,
		Buses:      child.Buses(),
		Subdomains: child.Subdomains(),
	})
}

type nameInfoResponse struct {
	Name   string   `json:"name"`
	Owner  uint64   `json:"owner"`
	Queued []uint64 `json:"queued"`
}

func (s *Server) handleNames(c echo.Context) error {
	domainName := c.Param("domain")
	busName := c.Param("bus")

	d := s.root
	if domainName != "root" {
		var ok bool
		d, ok = s.root.Subdomain(domainName)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "no such domain")
		}
	}
	b, ok := d.Bus(busName)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such bus")
	}
	infos := b.ListNames("")
	out := make([]nameInfoResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, nameInfoResponse{Name: info.Name, Owner: info.Owner, Queued: info.Queued})
	}
	return c.JSON(http.StatusOK, out)
}
