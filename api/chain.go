package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marketlens/marketlens/internal/greeks"
	"github.com/marketlens/marketlens/internal/upstream"
	"github.com/marketlens/marketlens/pkg/models"
)

type chainKey struct {
	underlying string
	expiration string
}

type cachedChain struct {
	entries  []models.ChainEntry
	cachedAt time.Time
}

// chainCache keeps recently fetched option chains. Chains are large,
// change slowly, and every fetch is a billed vendor call, so entries
// are kept past their TTL and served flagged stale when the vendor is
// unreachable.
type chainCache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[chainKey]cachedChain
}

func newChainCache(ttl time.Duration) *chainCache {
	return &chainCache{ttl: ttl, entries: make(map[chainKey]cachedChain)}
}

func (cc *chainCache) get(key chainKey) ([]models.ChainEntry, time.Time, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	cached, ok := cc.entries[key]
	return cached.entries, cached.cachedAt, ok
}

func (cc *chainCache) put(key chainKey, entries []models.ChainEntry) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.entries[key] = cachedChain{entries: entries, cachedAt: time.Now()}
}

func (cc *chainCache) fresh(at time.Time) bool {
	return time.Since(at) < cc.ttl
}

func (s *Server) getOptionChain(c *gin.Context) {
	underlying := normalizeSymbol(c.Query("underlying"))
	expiration := strings.TrimSpace(c.Query("expiration"))
	if underlying == "" || expiration == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "underlying and expiration query parameters required"})
		return
	}
	if _, err := time.Parse("2006-01-02", expiration); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expiration must be YYYY-MM-DD"})
		return
	}

	key := chainKey{underlying: underlying, expiration: expiration}
	cached, cachedAt, haveCached := s.chains.get(key)
	if haveCached && s.chains.fresh(cachedAt) {
		c.JSON(http.StatusOK, chainResponse(underlying, expiration, cached, cachedAt, false))
		return
	}

	entries, err := s.deps.Market.OptionChain(c.Request.Context(), underlying, expiration)
	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no chain for that underlying and expiration"})
		case errors.Is(err, upstream.ErrAuth):
			c.JSON(http.StatusBadGateway, gin.H{"error": "market data credential rejected"})
		default:
			// Transient trouble or an open breaker: an old chain
			// marked stale beats an error page.
			if haveCached {
				c.JSON(http.StatusOK, chainResponse(underlying, expiration, cached, cachedAt, true))
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "market data unavailable"})
		}
		return
	}

	entries = s.enrichImpliedVol(underlying, entries)
	s.chains.put(key, entries)
	c.JSON(http.StatusOK, chainResponse(underlying, expiration, entries, time.Now(), false))
}

func chainResponse(underlying, expiration string, entries []models.ChainEntry, at time.Time, stale bool) gin.H {
	return gin.H{
		"underlying": underlying,
		"expiration": expiration,
		"entries":    entries,
		"cached_at":  at.UTC(),
		"stale":      stale,
	}
}

// enrichImpliedVol fills rows the vendor returned without an implied
// volatility by inverting the model at the row's mid (or last) price
// against the underlying's cached quote. Rows are left untouched when
// no usable underlying price exists or the observed option price is
// unattainable; an absent figure is better than a fabricated one.
func (s *Server) enrichImpliedVol(underlying string, entries []models.ChainEntry) []models.ChainEntry {
	quote, freshness := s.deps.Quotes.Get(underlying)
	if freshness == models.FreshnessMissing || quote.Last <= 0 {
		return entries
	}

	rate := s.deps.Risk.RiskFreeRate()
	now := time.Now()
	for i := range entries {
		entry := &entries[i]
		if entry.ImpliedVol > 0 {
			continue
		}
		price := observedPrice(entry)
		if price <= 0 {
			continue
		}
		tte := entry.Contract.Expiry.Sub(now).Hours() / (24 * 365)
		if tte <= 0 {
			continue
		}
		in := greeks.Inputs{
			Spot:         quote.Last,
			Strike:       entry.Contract.Strike,
			TimeToExpiry: tte,
			RiskFreeRate: rate,
			Volatility:   s.deps.Risk.DefaultVolatility(),
			Right:        entry.Contract.Right,
		}
		if iv, err := s.deps.Engine.ImpliedVol(in, price); err == nil {
			entry.ImpliedVol = iv
		}
	}
	return entries
}

func observedPrice(entry *models.ChainEntry) float64 {
	if entry.Bid > 0 && entry.Ask >= entry.Bid {
		return (entry.Bid + entry.Ask) / 2
	}
	return entry.Last
}
