// Package server exposes the operational HTTP surface: health and metrics.
package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const pingTimeout = 2 * time.Second

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// Server wraps the Fiber application.
type Server struct {
	app    *fiber.App
	addr   string
	log    *zap.Logger
	checks map[string]Check
}

// New wires /healthz over checks and, when reg is non-nil, /metrics.
func New(addr string, checks map[string]Check, reg *prometheus.Registry, log *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "referral-bot",
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		DisableStartupMessage: true,
	})
	s := &Server{app: app, addr: addr, log: log, checks: checks}

	app.Get("/healthz", s.health)
	if reg != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}
	return s
}

func (s *Server) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), pingTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	report := fiber.Map{}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.log.Warn("⚠️ health check failed", zap.String("check", name), zap.Error(err))
			report[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}

	return c.Status(status).JSON(fiber.Map{
		"status":    report,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// App exposes the Fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen blocks serving HTTP until Shutdown.
func (s *Server) Listen() error {
	s.log.Info("🌐 HTTP server listening", zap.String("addr", s.addr))
	return s.app.Listen(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
