package sticky

import (
	"testing"

	"github.com/otlpxy/portforward/internal/config"
)

func TestMap_PutThenGetReturnsSameBackend(t *testing.T) {
	m := New(10)
	backend := &config.TargetBackend{IP: "10.0.0.1", Port: 80}

	m.Put("client-a", backend)
	got, ok := m.Get("client-a")
	if !ok {
		t.Fatal("expected a hit after Put")
	}
	if got != backend {
		t.Fatalf("expected the same backend pointer back, got %v", got)
	}
}

func TestMap_GetMissReturnsFalse(t *testing.T) {
	m := New(10)
	if _, ok := m.Get("nope"); ok {
		t.Fatal("expected a miss for an unknown key")
	}
}

func TestMap_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	m := New(2)
	b1 := &config.TargetBackend{IP: "10.0.0.1", Port: 80}
	b2 := &config.TargetBackend{IP: "10.0.0.2", Port: 80}
	b3 := &config.TargetBackend{IP: "10.0.0.3", Port: 80}

	m.Put("a", b1)
	m.Put("b", b2)
	m.Put("c", b3) // evicts "a"

	if _, ok := m.Get("a"); ok {
		t.Fatal("expected \"a\" to have been evicted")
	}
	if _, ok := m.Get("b"); !ok {
		t.Fatal("expected \"b\" to still be present")
	}
	if _, ok := m.Get("c"); !ok {
		t.Fatal("expected \"c\" to still be present")
	}
}

func TestMap_GetPromotesToMostRecentlyUsed(t *testing.T) {
	m := New(2)
	b1 := &config.TargetBackend{IP: "10.0.0.1", Port: 80}
	b2 := &config.TargetBackend{IP: "10.0.0.2", Port: 80}
	b3 := &config.TargetBackend{IP: "10.0.0.3", Port: 80}

	m.Put("a", b1)
	m.Put("b", b2)
	m.Get("a")       // promote "a"
	m.Put("c", b3)   // should evict "b", not "a"

	if _, ok := m.Get("a"); !ok {
		t.Fatal("expected \"a\" to survive since it was just promoted")
	}
	if _, ok := m.Get("b"); ok {
		t.Fatal("expected \"b\" to have been evicted as least recently used")
	}
}

func TestMap_Len(t *testing.T) {
	m := New(10)
	if m.Len() != 0 {
		t.Fatalf("expected empty map, got len %d", m.Len())
	}
	m.Put("a", &config.TargetBackend{IP: "10.0.0.1", Port: 80})
	m.Put("b", &config.TargetBackend{IP: "10.0.0.2", Port: 80})
	if m.Len() != 2 {
		t.Fatalf("expected len 2, got %d", m.Len())
	}
}

func TestMap_PutExistingKeyUpdatesBackendWithoutGrowing(t *testing.T) {
	m := New(10)
	b1 := &config.TargetBackend{IP: "10.0.0.1", Port: 80}
	b2 := &config.TargetBackend{IP: "10.0.0.2", Port: 80}

	m.Put("a", b1)
	m.Put("a", b2)

	if m.Len() != 1 {
		t.Fatalf("expected len 1 after re-Put of the same key, got %d", m.Len())
	}
	got, _ := m.Get("a")
	if got != b2 {
		t.Fatal("expected the updated backend to replace the original")
	}
}
