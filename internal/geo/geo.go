// Package geo implements the IpGeoLookup collaborator from spec §6: a
// thread-safe ZoneOf(ip) mapping loaded from CIDR→zone rules, with a
// TTL+size-bounded cache in front of the (comparatively slow) linear scan.
//
// No complete repo in the retrieval pack ships a GeoIP/MaxMind client or an
// LRU cache library (hashicorp/golang-lru only turns up in unrelated
// manifest go.mod files, never imported by a teacher-grade file), so this is
// hand-built against the exact "CIDR whitespace ZONE" format spec §6
// describes, using only net.ParseCIDR from the standard library.
package geo

import (
	"bufio"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

const unknownZone = "unknown"

type rule struct {
	network *net.IPNet
	zone    string
}

type cacheEntry struct {
	zone      string
	expiresAt time.Time
}

// Lookup maps an IP string to a zone label. Missing or unparseable inputs
// return "unknown" per the contract in spec §6.
type Lookup struct {
	rules []rule

	mu       sync.Mutex
	cache    map[string]cacheEntry
	cacheCap int
	ttl      time.Duration
}

// New constructs a Lookup from an in-memory rule list (ip-prefix, zone).
func New(rules map[string]string, ttl time.Duration, cacheCap int) *Lookup {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cacheCap <= 0 {
		cacheCap = 4096
	}
	l := &Lookup{
		cache:    make(map[string]cacheEntry),
		cacheCap: cacheCap,
		ttl:      ttl,
	}
	for cidr, zone := range rules {
		if _, network, err := net.ParseCIDR(cidr); err == nil {
			l.rules = append(l.rules, rule{network: network, zone: zone})
		}
	}
	return l
}

// LoadFile builds a Lookup from a text file of "CIDR ZONE" lines, per
// spec §6 ("optionally from a text file with lines CIDR whitespace ZONE").
func LoadFile(path string, ttl time.Duration, cacheCap int) (*Lookup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rules := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		rules[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return New(rules, ttl, cacheCap), nil
}

// ZoneOf maps ip to a zone label, consulting the cache first and falling
// back to a linear scan over the loaded CIDR rules.
func (l *Lookup) ZoneOf(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return unknownZone
	}

	l.mu.Lock()
	if entry, ok := l.cache[ip]; ok {
		if time.Now().Before(entry.expiresAt) {
			l.mu.Unlock()
			return entry.zone
		}
		delete(l.cache, ip)
	}
	l.mu.Unlock()

	zone := unknownZone
	for _, r := range l.rules {
		if r.network.Contains(parsed) {
			zone = r.zone
			break
		}
	}

	l.mu.Lock()
	if len(l.cache) >= l.cacheCap {
		// Bounded-map discipline borrowed from the teacher's fixed-capacity
		// job queue: evict an arbitrary entry rather than grow unbounded.
		for k := range l.cache {
			delete(l.cache, k)
			break
		}
	}
	l.cache[ip] = cacheEntry{zone: zone, expiresAt: time.Now().Add(l.ttl)}
	l.mu.Unlock()

	return zone
}
