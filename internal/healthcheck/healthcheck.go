// Package healthcheck implements the HealthChecker from spec §4.4: a plain
// TCP connect probe against each backend, meant to run rarely (on-demand
// when the LoadBalancer finds no healthy backend, or on a coarse schedule),
// never in the hot path.
package healthcheck

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/otlpxy/portforward/internal/config"
	"github.com/otlpxy/portforward/internal/logging"
)

const defaultTimeout = 5 * time.Second

// Checker probes backends with a short-timeout TCP connect.
type Checker struct {
	log     logging.Logger
	timeout time.Duration

	// cooldown collapses bursts of on-demand CheckAll calls (e.g. every
	// request hitting an endpoint with zero healthy backends would
	// otherwise hammer every backend with a fresh dial each time) into at
	// most one real sweep per endpoint per cooldown window, using
	// golang.org/x/time/rate's Sometimes helper — the teacher's go.mod
	// already pulls in golang.org/x/time transitively; this promotes it to
	// a direct, exercised dependency.
	cooldown time.Duration
	sweeps   map[string]*rate.Sometimes
}

// New constructs a Checker with the given connect timeout (spec default 5s)
// and minimum interval between real sweeps of the same endpoint.
func New(log logging.Logger, timeout, cooldown time.Duration) *Checker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if cooldown <= 0 {
		cooldown = time.Second
	}
	return &Checker{
		log:      log,
		timeout:  timeout,
		cooldown: cooldown,
		sweeps:   make(map[string]*rate.Sometimes),
	}
}

// RegisterEndpoint pre-creates the cooldown tracker for epKey. Called once,
// single-threaded, during Orchestrator.Init — after that, CheckAll only ever
// reads the sweeps map, so no lock is needed on the hot path.
func (c *Checker) RegisterEndpoint(epKey string) {
	c.sweeps[epKey] = &rate.Sometimes{Interval: c.cooldown}
}

// CheckAll probes every backend of endpoint with a plain TCP connect and
// updates each backend's health flag. Repeated calls for the same endpoint
// within the cooldown window are collapsed into a single real sweep; the
// health flags from the most recent real sweep remain valid for callers
// that arrive during the cooldown.
func (c *Checker) CheckAll(epKey string, backends []*config.TargetBackend) {
	s, ok := c.sweeps[epKey]
	if !ok {
		// Endpoint wasn't pre-registered (e.g. ad-hoc test call); fall back
		// to an unthrottled one-shot sweep rather than panic.
		s = &rate.Sometimes{Interval: c.cooldown}
	}
	s.Do(func() {
		for _, b := range backends {
			healthy := c.probe(b)
			b.State.SetHealthy(healthy)
			if !healthy {
				c.log.Log(logging.Warn, logging.Fields{"backend": b.Key()}, "health check failed")
			}
		}
	})
}

func (c *Checker) probe(b *config.TargetBackend) bool {
	addr := net.JoinHostPort(b.IP, strconv.Itoa(b.Port))
	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
