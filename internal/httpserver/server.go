// Package httpserver is the development mock of the realtime voice
// endpoint. It speaks the client-observed wire protocol so the voice
// client can be exercised end to end without the production backend.
package httpserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Replier generates assistant reply text. The Cerebras helper satisfies
// it; when nil the mock answers with canned text.
type Replier interface {
	Reply(ctx context.Context, language, userText string) (string, error)
}

// Options configures the mock endpoint.
type Options struct {
	// AuthToken, when set, is the only token accepted on the realtime
	// route. Empty accepts any non-empty token.
	AuthToken string
	// Language is passed through to the replier.
	Language string
	Replier  Replier
}

// Server bundles the echo router and dependencies.
type Server struct {
	Echo *echo.Echo
	opts Options
}

// New constructs the mock server with routes.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{Echo: e, opts: opts}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/v1/realtime", s.handleRealtime)

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.Echo }

// Start runs the server on the given address.
func (s *Server) Start(address string) error { return s.Echo.Start(address) }

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error { return s.Echo.Shutdown(ctx) }
