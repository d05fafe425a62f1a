// Package sticky implements the StickyMap from spec §3: a concurrent
// mapping from a client identity to a previously chosen backend, consulted
// before load balancing when sticky mode is enabled for UDP or HTTP.
//
// Open question in spec §9 ("LRU vs TTL eviction") is resolved as LRU: the
// spec's own wording ("within a session window") maps to recency of use
// more directly than to a fixed wall-clock expiry (see DESIGN.md).
package sticky

import (
	"container/list"
	"sync"

	"github.com/otlpxy/portforward/internal/config"
)

type entry struct {
	key     string
	backend *config.TargetBackend
}

// Map is a bounded, LRU-evicting client-identity → TargetBackend mapping.
type Map struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

// New constructs a Map bounded to capacity entries.
func New(capacity int) *Map {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Map{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Get returns the backend pinned to key, if any, promoting it to
// most-recently-used.
func (m *Map) Get(key string) (*config.TargetBackend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.index[key]
	if !ok {
		return nil, false
	}
	m.ll.MoveToFront(el)
	return el.Value.(*entry).backend, true
}

// Put pins key to backend, evicting the least-recently-used entry if the
// map is at capacity.
func (m *Map) Put(key string, backend *config.TargetBackend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.index[key]; ok {
		el.Value.(*entry).backend = backend
		m.ll.MoveToFront(el)
		return
	}

	el := m.ll.PushFront(&entry{key: key, backend: backend})
	m.index[key] = el

	if m.ll.Len() > m.capacity {
		oldest := m.ll.Back()
		if oldest != nil {
			m.ll.Remove(oldest)
			delete(m.index, oldest.Value.(*entry).key)
		}
	}
}

// Len reports the current number of pinned entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}
