// Package cache implements a semantic answer cache: queries whose embeddings
// are near-identical to a previously answered query reuse that answer.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Citation is a source reference carried with a cached answer.
type Citation struct {
	ChunkID        string
	DocumentTitle  string
	DocumentURI    string
	Excerpt        string
	Rank           int
	Score          float64
	FeedbackWeight float64
}

// Entry is one cached answer.
type Entry struct {
	Query     string
	Vector    []float32
	Answer    string
	Citations []Citation
	CachedAt  time.Time
}

// LivenessFunc reports whether every chunk id still exists in the store.
// An error is treated as "unknown" and forces a miss without evicting.
type LivenessFunc func(ctx context.Context, chunkIDs []string) (bool, error)

// Options configure a Cache. Zero values fall back to defaults.
type Options struct {
	Threshold float64       // cosine similarity for a hit, default 0.95
	TTL       time.Duration // default 1 hour
	Capacity  int           // max entries, default 1000
}

func (o Options) normalized() Options {
	if o.Threshold <= 0 || o.Threshold > 1 {
		o.Threshold = 0.95
	}
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	if o.Capacity <= 0 {
		o.Capacity = 1000
	}
	return o
}

// Cache is a fixed-capacity semantic cache with TTL expiry and LRU
// eviction. Lookups scan linearly; at the default capacity this is cheap
// next to an embedding call. Safe for concurrent use.
type Cache struct {
	opts Options
	live LivenessFunc
	now  func() time.Time

	mu      sync.Mutex
	order   *list.List // front = most recently used, elements hold *Entry
	byQuery map[string]*list.Element
}

// New creates a Cache. live may be nil, in which case citations are assumed
// valid.
func New(opts Options, live LivenessFunc) *Cache {
	return &Cache{
		opts:    opts.normalized(),
		live:    live,
		now:     time.Now,
		order:   list.New(),
		byQuery: make(map[string]*list.Element),
	}
}

// Normalize canonicalizes a query for cache keying: lowercase with runs of
// whitespace collapsed to single spaces. Embed the normalized form so
// trivially reworded repeats land on the same vector.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Lookup returns the best non-expired entry whose vector's cosine similarity
// with vector meets the threshold, together with that similarity. Entries
// whose citations no longer resolve are evicted and skipped, so a hit never
// references deleted chunks.
func (c *Cache) Lookup(ctx context.Context, vector []float32) (Entry, float64, bool) {
	for {
		entry, similarity, elem := c.bestMatch(vector)
		if elem == nil {
			return Entry{}, 0, false
		}

		ok, err := c.checkLiveness(ctx, entry.Citations)
		if err != nil {
			slog.Warn("cache liveness check failed, treating as miss", "error", err)
			return Entry{}, 0, false
		}
		if !ok {
			c.Invalidate(entry.Query)
			continue
		}

		c.touch(entry.Query)
		return entry, similarity, true
	}
}

// Store inserts or replaces the entry for the normalized query, evicting the
// least recently used entry when over capacity.
func (c *Cache) Store(query string, vector []float32, answer string, citations []Citation) {
	key := Normalize(query)
	if key == "" || len(vector) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry{
		Query:     key,
		Vector:    vector,
		Answer:    answer,
		Citations: citations,
		CachedAt:  c.now(),
	}
	if elem, ok := c.byQuery[key]; ok {
		elem.Value = &entry
		c.order.MoveToFront(elem)
		return
	}
	c.byQuery[key] = c.order.PushFront(&entry)

	for c.order.Len() > c.opts.Capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.byQuery, oldest.Value.(*Entry).Query)
	}
}

// Invalidate drops the entry for the normalized query, if present.
func (c *Cache) Invalidate(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(Normalize(query))
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// bestMatch scans all entries and returns the highest-similarity candidate
// at or above the threshold, expiring stale entries as it goes.
func (c *Cache) bestMatch(vector []float32) (Entry, float64, *list.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.opts.TTL)

	var best *list.Element
	var bestSim float64

	var expired []string
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		if entry.CachedAt.Before(cutoff) {
			expired = append(expired, entry.Query)
			continue
		}
		sim := cosine(vector, entry.Vector)
		if sim >= c.opts.Threshold && (best == nil || sim > bestSim) {
			best = elem
			bestSim = sim
		}
	}
	for _, key := range expired {
		c.remove(key)
	}

	if best == nil {
		return Entry{}, 0, nil
	}
	return *best.Value.(*Entry), bestSim, best
}

func (c *Cache) checkLiveness(ctx context.Context, citations []Citation) (bool, error) {
	if c.live == nil || len(citations) == 0 {
		return true, nil
	}
	ids := make([]string, len(citations))
	for i, cit := range citations {
		ids[i] = cit.ChunkID
	}
	return c.live(ctx, ids)
}

func (c *Cache) touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.byQuery[key]; ok {
		c.order.MoveToFront(elem)
	}
}

// remove must be called with c.mu held.
func (c *Cache) remove(key string) {
	if elem, ok := c.byQuery[key]; ok {
		c.order.Remove(elem)
		delete(c.byQuery, key)
	}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
