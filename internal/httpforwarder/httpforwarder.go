// Package httpforwarder implements the HttpForwarder from spec §4.8: an
// HTTP/1.1 listener that rewrites Host and path prefix, streams the request
// body upstream, and copies the response back without buffering.
//
// The listener itself is an Echo instance with a single wildcard route,
// grounded on the teacher's internal/app.Run (one echo.Echo per listener,
// CORS/body-limit/logger/recover/readiness middleware chain) — reusing Echo
// here rather than a bare net/http.Server keeps this forwarder's outer shape
// identical to the teacher's own HTTP surface. The pooled-transport tuning
// (MaxIdleConnsPerHost, ForceAttemptHTTP2, IdleConnTimeout) is lifted
// verbatim from the teacher's three forwarder variants and from the
// other_examples hemzaz-freightliner connection pool, scaled to backend
// count instead of worker count.
package httpforwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/otlpxy/portforward/internal/balancer"
	"github.com/otlpxy/portforward/internal/config"
	"github.com/otlpxy/portforward/internal/ferrors"
	"github.com/otlpxy/portforward/internal/limiter"
	"github.com/otlpxy/portforward/internal/logging"
	"github.com/otlpxy/portforward/internal/metrics"
	"github.com/otlpxy/portforward/internal/sticky"
)

// hopByHop is the pinned list from spec §9's open-question resolution:
// the standard hop-by-hop set plus Host and Content-Length, extended from
// the teacher's own isHopByHop (proxy_handler.go) with Proxy-Authenticate,
// Proxy-Authorization, TE, and Trailer.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"host":                {},
	"content-length":      {},
}

func isHopByHop(name string) bool {
	_, ok := hopByHop[strings.ToLower(name)]
	return ok
}

// Forwarder serves one HTTP endpoint.
type Forwarder struct {
	log      logging.Logger
	endpoint *config.EndpointConfig
	lb       *balancer.Balancer
	limiter  *limiter.AdmissionLimiter
	store    *metrics.Store
	sticky   *sticky.Map
	client   *http.Client

	echo *echo.Echo
}

// New constructs a Forwarder for endpoint.
func New(log logging.Logger, endpoint *config.EndpointConfig, lb *balancer.Balancer, lim *limiter.AdmissionLimiter, store *metrics.Store, stickyMap *sticky.Map) *Forwarder {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     false, // spec Non-goals: no HTTP/2 upstream
		MaxIdleConns:          len(endpoint.Backends) * 100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	f := &Forwarder{
		log:      log,
		endpoint: endpoint,
		lb:       lb,
		limiter:  lim,
		store:    store,
		sticky:   stickyMap,
		client:   &http.Client{Transport: transport},
		echo:     e,
	}
	e.Any("/*", f.handle)
	return f
}

// Start binds the listener in the background. It returns once Echo's
// listener is bound, matching Orchestrator.Start's "returns once all
// listeners are bound" contract.
func (f *Forwarder) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.endpoint.Addr())
	if err != nil {
		return ferrors.Wrap(ferrors.KindBind, "bind "+f.endpoint.Addr(), err)
	}
	f.echo.Listener = ln

	go func() {
		if err := f.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.log.Log(logging.ErrorLevel, nil, "http forwarder on %s stopped: %v", f.endpoint.Addr(), err)
		}
	}()
	return nil
}

// Stop shuts down the Echo server, waiting for in-flight requests up to ctx.
func (f *Forwarder) Stop(ctx context.Context) error {
	return f.echo.Shutdown(ctx)
}

func (f *Forwarder) handle(c echo.Context) error {
	req := c.Request()
	start := time.Now()

	lease, err := f.limiter.Acquire(req.Context())
	if err != nil {
		metrics.AdmissionRejectedCounter.WithLabelValues(f.endpoint.Addr()).Inc()
		f.log.Log(logging.Warn, nil, "admission rejected for %s", req.RemoteAddr)
		return c.NoContent(http.StatusServiceUnavailable)
	}
	defer lease.Release()

	sctx := balancer.SelectionContext{
		RemoteAddr: req.RemoteAddr,
		Header:     req.Header,
		Cookies:    cookieMap(req),
		Query:      req.URL.Query(),
	}
	backend, err := f.pickBackend(req.RemoteAddr, sctx)
	if err != nil {
		f.log.Log(logging.Warn, nil, "no healthy backend for %s: %v", f.endpoint.Addr(), err)
		return c.NoContent(http.StatusServiceUnavailable)
	}

	backend.State.OnAdmit()
	defer backend.State.OnRelease()

	upstreamURL := f.rewriteURL(backend, req.URL)
	upstreamReq, err := http.NewRequestWithContext(req.Context(), req.Method, upstreamURL.String(), req.Body)
	if err != nil {
		f.log.Log(logging.ErrorLevel, nil, "failed to build upstream request: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	copyRequestHeaders(upstreamReq, req, backend)

	timeout := backend.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()
	upstreamReq = upstreamReq.WithContext(ctx)

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return f.handleUpstreamError(c, backend, err, start)
	}
	defer resp.Body.Close()

	f.copyResponse(c, resp, backend, req.Host)
	backend.State.RecordHTTPStatus(resp.StatusCode, time.Since(start))
	return nil
}

func (f *Forwarder) pickBackend(remoteAddr string, sctx balancer.SelectionContext) (*config.TargetBackend, error) {
	if f.endpoint.HTTPSticky {
		if b, ok := f.sticky.Get(remoteAddr); ok {
			return b, nil
		}
		backend, err := f.lb.Pick(f.endpoint, sctx)
		if err != nil {
			return nil, err
		}
		f.sticky.Put(remoteAddr, backend)
		return backend, nil
	}
	return f.lb.Pick(f.endpoint, sctx)
}

// rewriteURL implements spec §4.8 step 2/3: strip pathPrefix when configured
// and the backend asks for it, then prepend backend.HTTPPath; preserve the
// query string verbatim either way.
func (f *Forwarder) rewriteURL(backend *config.TargetBackend, reqURL *url.URL) *url.URL {
	path := reqURL.Path
	if f.endpoint.PathPrefix != "" && backend.StripPath &&
		strings.HasPrefix(strings.ToLower(path), strings.ToLower(f.endpoint.PathPrefix)) {
		path = path[len(f.endpoint.PathPrefix):]
		if backend.HTTPPath != "" {
			path = strings.TrimSuffix(backend.HTTPPath, "/") + "/" + strings.TrimPrefix(path, "/")
		}
	}
	return &url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(backend.IP, fmt.Sprintf("%d", backend.Port)),
		Path:     path,
		RawQuery: reqURL.RawQuery,
	}
}

// copyRequestHeaders implements spec §4.8 step 4: omit Host/Content-Length/
// hop-by-hop headers, set Host to the backend authority, apply
// backend.RequestHeaders overrides, and append to X-Forwarded-For.
func copyRequestHeaders(upstreamReq *http.Request, downstreamReq *http.Request, backend *config.TargetBackend) {
	upstreamReq.Header = make(http.Header, len(downstreamReq.Header))
	for k, vals := range downstreamReq.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			upstreamReq.Header.Add(k, v)
		}
	}
	upstreamReq.Host = net.JoinHostPort(backend.IP, fmt.Sprintf("%d", backend.Port))

	for k, vals := range backend.RequestHeaders {
		canon := http.CanonicalHeaderKey(k)
		upstreamReq.Header.Del(canon)
		for _, v := range vals {
			upstreamReq.Header.Add(canon, v)
		}
	}

	clientIP := downstreamReq.RemoteAddr
	if host, _, err := net.SplitHostPort(downstreamReq.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := upstreamReq.Header.Get("X-Forwarded-For"); prior != "" {
		upstreamReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		upstreamReq.Header.Set("X-Forwarded-For", clientIP)
	}
}

// copyResponse implements spec §4.8 steps 7-8: status/header/body copy,
// hop-by-hop stripped, redirect Location rewritten to the public authority.
func (f *Forwarder) copyResponse(c echo.Context, resp *http.Response, backend *config.TargetBackend, publicHost string) {
	out := c.Response()
	for k, vals := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			out.Header().Add(k, v)
		}
	}

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect:
		if loc := out.Header().Get("Location"); loc != "" {
			out.Header().Set("Location", rewriteLocationAuthority(loc, backend, publicHost))
		}
	}

	out.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(out, resp.Body)
}

func rewriteLocationAuthority(location string, backend *config.TargetBackend, publicHost string) string {
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	backendAuthority := net.JoinHostPort(backend.IP, fmt.Sprintf("%d", backend.Port))
	if u.Host == backendAuthority {
		u.Host = publicHost
	}
	return u.String()
}

// handleUpstreamError implements spec §4.8's failure semantics: client
// cancellation → 503 (warning), timeout → 504, connection refused → 502,
// unexpected → 500. Upstream error detail is never propagated verbatim.
func (f *Forwarder) handleUpstreamError(c echo.Context, backend *config.TargetBackend, err error, start time.Time) error {
	req := c.Request()

	var status int
	switch {
	case req.Context().Err() != nil:
		f.log.Log(logging.Warn, logging.Fields{"backend": backend.Key()}, "client cancelled")
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		f.log.Log(logging.Warn, logging.Fields{"backend": backend.Key()}, "upstream timeout")
		status = http.StatusGatewayTimeout
	case isConnRefused(err):
		f.log.Log(logging.Warn, logging.Fields{"backend": backend.Key()}, "upstream connection refused")
		status = http.StatusBadGateway
	default:
		f.log.Log(logging.ErrorLevel, logging.Fields{"backend": backend.Key()}, "unexpected upstream error: %v", err)
		status = http.StatusInternalServerError
	}

	backend.State.RecordHTTPStatus(status, time.Since(start))
	return c.NoContent(status)
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "connection refused")
	}
	return false
}

func cookieMap(req *http.Request) map[string]string {
	out := make(map[string]string, len(req.Cookies()))
	for _, ck := range req.Cookies() {
		out[ck.Name] = ck.Value
	}
	return out
}
