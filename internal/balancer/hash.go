package balancer

import (
	"hash/fnv"
	"net"
	"strings"

	"github.com/otlpxy/portforward/internal/config"
)

// countryZones is the fixed CF-IPCountry → zone table spec §4.3 calls for.
// Kept small and explicit; it is not configurable, so finer granularity
// means editing this table.
var countryZones = map[string]string{
	"US": "na-east",
	"CA": "na-east",
	"MX": "na-east",
	"GB": "eu-west",
	"DE": "eu-west",
	"FR": "eu-west",
	"NL": "eu-west",
	"CN": "ap-east",
	"JP": "ap-east",
	"KR": "ap-east",
	"SG": "ap-east",
	"AU": "ap-east",
	"IN": "ap-south",
	"BR": "sa-east",
}

// hashKey extracts the Hash strategy's key per the priority order in
// spec §4.3: X-Request-ID, X-Session-ID, X-User-ID headers; SESSION_ID
// cookie; session_id query parameter; else the client address.
func hashKey(sctx SelectionContext) string {
	for _, h := range []string{"X-Request-ID", "X-Session-ID", "X-User-ID"} {
		if v := headerValue(sctx.Header, h); v != "" {
			return v
		}
	}
	if v, ok := sctx.Cookies["SESSION_ID"]; ok && v != "" {
		return v
	}
	if vals, ok := sctx.Query["session_id"]; ok && len(vals) > 0 && vals[0] != "" {
		return vals[0]
	}
	return sctx.RemoteAddr
}

func headerValue(h map[string][]string, name string) string {
	if h == nil {
		return ""
	}
	// http.Header keys are canonicalized; SelectionContext may be built from
	// either a canonical http.Header or a plain map, so fall back to a
	// case-insensitive scan when the exact key isn't present.
	if vals, ok := h[name]; ok && len(vals) > 0 {
		return vals[0]
	}
	for k, vals := range h {
		if len(vals) > 0 && strings.EqualFold(k, name) {
			return vals[0]
		}
	}
	return ""
}

// clientZone resolves the client's zone per the priority order in spec
// §4.3: X-Client-Zone header; CF-IPCountry header mapped through
// countryZones; else b.geo.ZoneOf(clientIP); fallback "unknown".
func (b *Balancer) clientZone(sctx SelectionContext) string {
	if v := headerValue(sctx.Header, "X-Client-Zone"); v != "" {
		return v
	}
	if country := headerValue(sctx.Header, "CF-IPCountry"); country != "" {
		if zone, ok := countryZones[country]; ok {
			return zone
		}
	}
	if b.geo != nil {
		ip := hostOnly(sctx.RemoteAddr)
		if zone := b.geo.ZoneOf(ip); zone != "" {
			return zone
		}
	}
	return "unknown"
}

// hashPick maps key onto the healthy set. If any backend carries an
// explicit weight > 1, selection indexes a weighted ring (each backend
// repeated proportional to its weight) by hash(key) mod ring length;
// otherwise it's a plain hash(key) mod len(healthy). Neither form is a
// consistent-hash ring: a change in the healthy set or in a weight can
// remap most keys to a different backend.
func (b *Balancer) hashPick(healthy []*config.TargetBackend, key string) *config.TargetBackend {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	sum := h.Sum64()

	hasWeights := false
	for _, backend := range healthy {
		if backend.Weight > 1 {
			hasWeights = true
			break
		}
	}

	if !hasWeights {
		return healthy[sum%uint64(len(healthy))]
	}

	ring := make([]*config.TargetBackend, 0, len(healthy)*2)
	for _, backend := range healthy {
		w := backend.Weight
		if w < 1 {
			w = 1
		}
		for i := 0; i < w; i++ {
			ring = append(ring, backend)
		}
	}
	return ring[sum%uint64(len(ring))]
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
