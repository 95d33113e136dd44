package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestLookupHitAboveThreshold(t *testing.T) {
	c := New(Options{Threshold: 0.95}, nil)
	c.Store("what is gamma", []float32{1, 0, 0}, "Gamma is the third letter.", []Citation{{ChunkID: "c1"}})

	entry, sim, ok := c.Lookup(context.Background(), []float32{1, 0, 0})
	if !ok {
		t.Fatal("identical vector missed the cache")
	}
	if sim < 0.95 {
		t.Errorf("similarity = %f, want >= 0.95", sim)
	}
	if entry.Answer != "Gamma is the third letter." {
		t.Errorf("answer = %q", entry.Answer)
	}

	if _, _, ok := c.Lookup(context.Background(), []float32{0, 1, 0}); ok {
		t.Error("orthogonal vector hit the cache")
	}
}

func TestLookupExpiredEntryMisses(t *testing.T) {
	c := New(Options{TTL: time.Hour}, nil)
	c.Store("old question", []float32{1, 0, 0}, "old answer", nil)

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, _, ok := c.Lookup(context.Background(), []float32{1, 0, 0}); ok {
		t.Error("expired entry served as a hit")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, len = %d", c.Len())
	}
}

func TestLookupDeadCitationForcesMiss(t *testing.T) {
	alive := true
	c := New(Options{}, func(_ context.Context, ids []string) (bool, error) {
		return alive, nil
	})
	c.Store("question", []float32{1, 0, 0}, "answer", []Citation{{ChunkID: "gone"}})

	if _, _, ok := c.Lookup(context.Background(), []float32{1, 0, 0}); !ok {
		t.Fatal("live citations should hit")
	}

	alive = false
	if _, _, ok := c.Lookup(context.Background(), []float32{1, 0, 0}); ok {
		t.Error("entry with dead citations served as a hit")
	}
	if c.Len() != 0 {
		t.Errorf("entry with dead citations not evicted, len = %d", c.Len())
	}
}

func TestLookupLivenessErrorDegradesToMiss(t *testing.T) {
	c := New(Options{}, func(_ context.Context, ids []string) (bool, error) {
		return false, errors.New("store down")
	})
	c.Store("question", []float32{1, 0, 0}, "answer", []Citation{{ChunkID: "c1"}})

	if _, _, ok := c.Lookup(context.Background(), []float32{1, 0, 0}); ok {
		t.Error("liveness error should force a miss")
	}
	if c.Len() != 1 {
		t.Errorf("entry evicted on transient error, len = %d", c.Len())
	}
}

func TestEvictionLRU(t *testing.T) {
	c := New(Options{Capacity: 2, Threshold: 0.99}, nil)
	c.Store("first", []float32{1, 0, 0}, "a1", nil)
	c.Store("second", []float32{0, 1, 0}, "a2", nil)

	// Touch "first" so "second" becomes least recently used.
	if _, _, ok := c.Lookup(context.Background(), []float32{1, 0, 0}); !ok {
		t.Fatal("expected hit on first")
	}

	c.Store("third", []float32{0, 0, 1}, "a3", nil)
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, _, ok := c.Lookup(context.Background(), []float32{0, 1, 0}); ok {
		t.Error("least recently used entry survived eviction")
	}
	if _, _, ok := c.Lookup(context.Background(), []float32{1, 0, 0}); !ok {
		t.Error("recently used entry was evicted")
	}
}

func TestStoreReplacesSameQuery(t *testing.T) {
	c := New(Options{}, nil)
	c.Store("Same  Question", []float32{1, 0, 0}, "v1", nil)
	c.Store("same question", []float32{1, 0, 0}, "v2", nil)

	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1 after replacing same normalized query", c.Len())
	}
	entry, _, ok := c.Lookup(context.Background(), []float32{1, 0, 0})
	if !ok || entry.Answer != "v2" {
		t.Errorf("got answer %q ok=%v, want replacement v2", entry.Answer, ok)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"What is Gamma?", "what is gamma?"},
		{"  spaced \t out\nquery ", "spaced out query"},
		{"already normal", "already normal"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCapacityBound(t *testing.T) {
	c := New(Options{Capacity: 10}, nil)
	for i := 0; i < 25; i++ {
		c.Store(fmt.Sprintf("query %d", i), []float32{float32(i), 1, 0}, "a", nil)
	}
	if c.Len() != 10 {
		t.Errorf("len = %d, want capacity bound 10", c.Len())
	}
}
