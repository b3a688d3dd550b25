// Package quotecache is the TTL-bounded quote store between the upstream
// adapters and everything that renders prices. It never invents values:
// callers get the last vendor quote plus an honest freshness verdict, or
// nothing.
package quotecache

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/pkg/metrics"
	"github.com/marketlens/marketlens/pkg/models"
)

type entry struct {
	quote     models.Quote
	fetchedAt time.Time
}

type shard struct {
	mu        sync.RWMutex
	entries   map[string]entry
	negatives map[string]time.Time
}

// Cache is a sharded symbol -> quote map with three freshness windows:
// fresh while age < ttl, stale until the ceiling, missing after that.
// Unknown-upstream symbols are remembered separately with a shorter TTL
// so the scheduler stops asking for them. A background sweep reclaims
// entries past the ceiling, so symbols that leave the working set do
// not hold memory until someone invalidates them.
type Cache struct {
	shards       []*shard
	ttl          time.Duration
	negativeTTL  time.Duration
	staleCeiling time.Duration
	logger       *zap.Logger

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	stopOnce    sync.Once
}

// New builds the cache from config and starts the expiry sweep.
func New(cfg config.CacheConfig, logger *zap.Logger) *Cache {
	n := cfg.Shards
	if n < 1 {
		n = 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{
			entries:   make(map[string]entry),
			negatives: make(map[string]time.Time),
		}
	}
	c := &Cache{
		shards:       shards,
		ttl:          cfg.TTL,
		negativeTTL:  cfg.NegativeTTL,
		staleCeiling: cfg.StaleCeiling(),
		logger:       logger,
		stopSweep:    make(chan struct{}),
	}
	interval := c.staleCeiling
	if interval <= 0 {
		interval = time.Minute
	}
	c.sweepTicker = time.NewTicker(interval)
	go c.sweepLoop()
	return c
}

// Stop ends the background sweep. Reads and writes keep working.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		c.sweepTicker.Stop()
		close(c.stopSweep)
	})
}

func (c *Cache) sweepLoop() {
	for {
		select {
		case <-c.stopSweep:
			return
		case <-c.sweepTicker.C:
			c.sweepExpired()
		}
	}
}

// sweepExpired drops entries past the stale ceiling and expired negative
// markers. Get already reports such entries as missing; this reclaims
// the memory they hold.
func (c *Cache) sweepExpired() {
	now := time.Now()
	evicted := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for symbol, e := range s.entries {
			if now.Sub(e.fetchedAt) >= c.staleCeiling {
				delete(s.entries, symbol)
				metrics.CacheEntries.Dec()
				evicted++
			}
		}
		for symbol, until := range s.negatives {
			if now.After(until) {
				delete(s.negatives, symbol)
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		c.logger.Debug("quote cache swept", zap.Int("evicted", evicted))
	}
}

func (c *Cache) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[int(h.Sum32())%len(c.shards)]
}

// Get returns the cached quote and its freshness. The quote value is
// meaningful only when freshness is Fresh or Stale; Missing means there
// is nothing servable and the caller must surface "unavailable" rather
// than a number.
func (c *Cache) Get(symbol string) (models.Quote, models.Freshness) {
	s := c.shardFor(symbol)
	s.mu.RLock()
	e, ok := s.entries[symbol]
	s.mu.RUnlock()

	if !ok {
		metrics.CacheLookups.WithLabelValues(models.FreshnessMissing.String()).Inc()
		return models.Quote{}, models.FreshnessMissing
	}

	age := time.Since(e.fetchedAt)
	var freshness models.Freshness
	switch {
	case age < c.ttl:
		freshness = models.FreshnessFresh
	case age < c.staleCeiling:
		freshness = models.FreshnessStale
	default:
		freshness = models.FreshnessMissing
	}
	metrics.CacheLookups.WithLabelValues(freshness.String()).Inc()
	if freshness == models.FreshnessMissing {
		return models.Quote{}, freshness
	}
	return e.quote, freshness
}

// Age returns how long ago the symbol was last fetched, and whether it
// is cached at all.
func (c *Cache) Age(symbol string) (time.Duration, bool) {
	s := c.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[symbol]
	if !ok {
		return 0, false
	}
	return time.Since(e.fetchedAt), true
}

// Put stores a quote and reports whether it was applied. Re-putting a
// quote whose timestamp is not strictly newer than the cached one is a
// no-op, so retried fetches and vendor duplicates cannot re-trigger
// downstream broadcasts or rewind a symbol's clock.
func (c *Cache) Put(quote models.Quote) bool {
	if quote.Symbol == "" {
		return false
	}
	s := c.shardFor(quote.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[quote.Symbol]; ok {
		if !quote.Timestamp.After(existing.quote.Timestamp) {
			metrics.QuotesRejected.WithLabelValues("not_newer").Inc()
			return false
		}
	} else {
		metrics.CacheEntries.Inc()
	}
	s.entries[quote.Symbol] = entry{quote: quote, fetchedAt: time.Now()}
	delete(s.negatives, quote.Symbol)
	return true
}

// PutNegative remembers that the upstream does not know this symbol.
func (c *Cache) PutNegative(symbol string) {
	s := c.shardFor(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.negatives[symbol] = time.Now().Add(c.negativeTTL)
}

// NegativeHit reports whether the symbol has an unexpired negative entry.
func (c *Cache) NegativeHit(symbol string) bool {
	s := c.shardFor(symbol)
	s.mu.RLock()
	until, ok := s.negatives[symbol]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(until) {
		s.mu.Lock()
		delete(s.negatives, symbol)
		s.mu.Unlock()
		return false
	}
	return true
}

// Invalidate drops the symbol's entry and any negative marker.
func (c *Cache) Invalidate(symbol string) {
	s := c.shardFor(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[symbol]; ok {
		delete(s.entries, symbol)
		metrics.CacheEntries.Dec()
	}
	delete(s.negatives, symbol)
}

// Len returns the number of cached symbols.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// SavedQuote is one cache entry in snapshot form. FetchedAt travels with
// the quote so a restored entry keeps its true age instead of
// masquerading as fresh.
type SavedQuote struct {
	Quote     models.Quote `json:"quote"`
	FetchedAt time.Time    `json:"fetched_at"`
}

// Export copies out every entry for snapshotting.
func (c *Cache) Export() []SavedQuote {
	var out []SavedQuote
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, SavedQuote{Quote: e.quote, FetchedAt: e.fetchedAt})
		}
		s.mu.RUnlock()
	}
	return out
}

// Restore loads snapshot entries, keeping their original fetch times.
// Entries never overwrite newer live data; the count of applied entries
// is returned.
func (c *Cache) Restore(saved []SavedQuote) int {
	applied := 0
	for _, sq := range saved {
		if sq.Quote.Symbol == "" {
			continue
		}
		s := c.shardFor(sq.Quote.Symbol)
		s.mu.Lock()
		existing, ok := s.entries[sq.Quote.Symbol]
		if ok && !sq.Quote.Timestamp.After(existing.quote.Timestamp) {
			s.mu.Unlock()
			continue
		}
		if !ok {
			metrics.CacheEntries.Inc()
		}
		s.entries[sq.Quote.Symbol] = entry{quote: sq.Quote, fetchedAt: sq.FetchedAt}
		s.mu.Unlock()
		applied++
	}
	if applied > 0 {
		c.logger.Info("quote cache restored from snapshot",
			zap.Int("entries", applied))
	}
	return applied
}
