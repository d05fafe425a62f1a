// Package controlplane is the embedding binary's observability surface
// (SPEC_FULL.md §5): a small Echo server, separate from any per-endpoint
// HttpForwarder, exposing /healthz, /readyz, /metrics, and /debug/forwarder.
//
// This is the teacher's internal/app.go + internal/handler/http/health
// package, generalized from "is the OTLP proxy ready" to "is the
// port-forwarder ready": same middleware ordering (CORS is dropped — there
// are no browser clients for a forwarder's debug surface — but the
// readiness-gate-during-shutdown idiom and the health handler shape are
// kept verbatim in spirit).
package controlplane

import (
	"context"
	"net"
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/atomic"

	"github.com/otlpxy/portforward/internal/logging"
)

// Metrics is the read-only surface controlplane queries for /debug/forwarder
// (spec §4.1's Orchestrator.Metrics() / §6's Metrics() contract).
type Metrics interface {
	Metrics() interface{}
}

// ControlPlane serves the forwarder's health/metrics/debug endpoints.
type ControlPlane struct {
	log       logging.Logger
	echo      *echo.Echo
	readiness *atomic.Bool
	orch      Metrics
}

// New constructs a ControlPlane that queries orch for the /debug/forwarder
// dump. It binds nothing; Start binds the listen address.
func New(log logging.Logger, orch Metrics) *ControlPlane {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	cp := &ControlPlane{
		log:       log,
		echo:      e,
		readiness: atomic.NewBool(false),
		orch:      orch,
	}

	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := c.Request().URL.Path
			if !cp.readiness.Load() && p != "/healthz" && p != "/readyz" && p != "/metrics" {
				return c.NoContent(http.StatusServiceUnavailable)
			}
			return next(c)
		}
	})
	e.Use(echoprometheus.NewMiddleware("portforward_controlplane"))
	e.GET("/metrics", echoprometheus.NewHandler())
	e.GET("/healthz", cp.handleLiveness)
	e.GET("/readyz", cp.handleReadiness)
	e.GET("/debug/forwarder", cp.handleDebug)

	return cp
}

// Start binds the control plane on addr (":9090" style) and serves in the
// background, marking readiness true once bound.
func (cp *ControlPlane) Start(addr string) error {
	ln, err := newListener(addr)
	if err != nil {
		return err
	}
	cp.echo.Listener = ln
	cp.readiness.Store(true)

	go func() {
		if err := cp.echo.Start(""); err != nil && err != http.ErrServerClosed {
			cp.log.Log(logging.ErrorLevel, nil, "control plane server error: %v", err)
		}
	}()
	return nil
}

// MarkNotReady flips readiness to false, used at the start of graceful
// shutdown so external load balancers stop routing to this process.
func (cp *ControlPlane) MarkNotReady() {
	cp.readiness.Store(false)
}

// Stop shuts down the control-plane HTTP server.
func (cp *ControlPlane) Stop(ctx context.Context) error {
	return cp.echo.Shutdown(ctx)
}

func (cp *ControlPlane) handleLiveness(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (cp *ControlPlane) handleReadiness(c echo.Context) error {
	if cp.readiness.Load() {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusServiceUnavailable)
}

func (cp *ControlPlane) handleDebug(c echo.Context) error {
	return c.JSON(http.StatusOK, cp.orch.Metrics())
}

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
