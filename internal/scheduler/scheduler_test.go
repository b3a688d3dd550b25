package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/quotecache"
	"github.com/marketlens/marketlens/internal/subscription"
	"github.com/marketlens/marketlens/internal/upstream"
	"github.com/marketlens/marketlens/pkg/models"
)

// fakeMarket mimics a vendor adapter: Allow before the network, Observe
// after, so breaker transitions behave exactly as they do in production.
// Calls are recorded only when they pass the breaker, which is what a
// network counter would see.
type fakeMarket struct {
	breaker   *upstream.Breaker
	mu        sync.Mutex
	calls     [][]string
	quotes    map[string]models.Quote
	unmatched []string
	err       error
}

func newFakeMarket(t *testing.T, breakerCfg config.BreakerConfig) *fakeMarket {
	t.Helper()
	return &fakeMarket{
		breaker: upstream.NewBreaker("fake", breakerCfg, zap.NewNop()),
		quotes:  make(map[string]models.Quote),
	}
}

func (f *fakeMarket) Quotes(_ context.Context, symbols []string) (map[string]models.Quote, []string, error) {
	if err := f.breaker.Allow(); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), symbols...))
	err := f.err
	f.mu.Unlock()

	f.breaker.Observe(err)
	if err != nil {
		return nil, nil, err
	}

	out := make(map[string]models.Quote, len(symbols))
	var missing []string
	f.mu.Lock()
	defer f.mu.Unlock()
	unknown := make(map[string]struct{}, len(f.unmatched))
	for _, s := range f.unmatched {
		unknown[s] = struct{}{}
	}
	for _, s := range symbols {
		if _, ok := unknown[s]; ok {
			missing = append(missing, s)
			continue
		}
		if q, ok := f.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, missing, nil
}

func (f *fakeMarket) OptionChain(context.Context, string, string) ([]models.ChainEntry, error) {
	return nil, nil
}

func (f *fakeMarket) Name() string { return "fake" }

func (f *fakeMarket) Breaker() *upstream.Breaker { return f.breaker }

func (f *fakeMarket) setQuote(q models.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[q.Symbol] = q
}

func (f *fakeMarket) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeMarket) callSnapshot() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = append([]string(nil), c...)
	}
	return out
}

type fakePublisher struct {
	mu        sync.Mutex
	published []models.Quote
}

func (p *fakePublisher) PublishQuote(q models.Quote, _ models.Freshness) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, q)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) last() (models.Quote, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.published) == 0 {
		return models.Quote{}, false
	}
	return p.published[len(p.published)-1], true
}

type fakeSink struct {
	refreshes  atomic.Int64
	quotesSeen atomic.Int64
	refreshErr error
}

func (s *fakeSink) Refresh(context.Context) error {
	s.refreshes.Add(1)
	return s.refreshErr
}

func (s *fakeSink) OnQuote(models.Quote, models.Freshness) {
	s.quotesSeen.Add(1)
}

type fakeSettings struct {
	loads atomic.Int64
}

func (s *fakeSettings) Load(context.Context) error {
	s.loads.Add(1)
	return nil
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Tick:              20 * time.Millisecond,
		MaxSymbolsPerCall: 3,
		MinCallSpacing:    time.Millisecond,
		Workers:           2,
		PositionInterval:  30 * time.Millisecond,
		SettingsInterval:  30 * time.Millisecond,
	}
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		TTL:             200 * time.Millisecond,
		StaleMultiplier: 50, // keeps the expiry sweep out of the test windows
		NegativeTTL:     250 * time.Millisecond,
		Shards:          4,
	}
}

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         10 * time.Second,
		MaxCooldown:      time.Minute,
		BackoffFactor:    2,
	}
}

type harness struct {
	sched    *Scheduler
	cache    *quotecache.Cache
	registry *subscription.Registry
	pub      *fakePublisher
	sink     *fakeSink
	settings *fakeSettings
}

func startScheduler(t *testing.T, cfg config.SchedulerConfig, cacheCfg config.CacheConfig, market *fakeMarket, subscribe func(*subscription.Registry)) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		cache:    quotecache.New(cacheCfg, logger),
		registry: subscription.NewRegistry(),
		pub:      &fakePublisher{},
		sink:     &fakeSink{},
		settings: &fakeSettings{},
	}
	if subscribe != nil {
		subscribe(h.registry)
	}
	h.sched = New(cfg, cacheCfg, market, h.cache, h.registry, h.pub, h.sink, h.settings, logger)
	h.sched.Start(context.Background())
	t.Cleanup(h.sched.Stop)
	t.Cleanup(h.cache.Stop)
	return h
}

func testQuote(symbol string, last float64) models.Quote {
	return models.Quote{
		Symbol:    symbol,
		Bid:       last - 0.02,
		Ask:       last + 0.02,
		Last:      last,
		Volume:    1000,
		Timestamp: time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC),
		Source:    "fake",
	}
}

func TestFirstSubscriberTriggersPromptFetchAndSingleBroadcast(t *testing.T) {
	market := newFakeMarket(t, testBreakerConfig())
	market.setQuote(testQuote("AAPL", 174.50))

	h := startScheduler(t, testSchedulerConfig(), testCacheConfig(), market, func(r *subscription.Registry) {
		r.Subscribe("client-1", "AAPL")
	})

	require.Eventually(t, func() bool { return h.pub.count() == 1 }, 2*time.Second, 5*time.Millisecond,
		"subscribed symbol was never fetched and broadcast")

	q, ok := h.pub.last()
	require.True(t, ok)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.InDelta(t, 174.50, q.Last, 1e-9)

	cached, freshness := h.cache.Get("AAPL")
	assert.Equal(t, models.FreshnessFresh, freshness)
	assert.InDelta(t, 174.50, cached.Last, 1e-9)
	assert.EqualValues(t, 1, h.sink.quotesSeen.Load())

	// The TTL refetch returns the same vendor timestamp; the cache
	// rejects it, so subscribers never see a duplicate delta.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, h.pub.count(), "duplicate quote reached subscribers")
}

func TestZeroSubscriberSymbolDroppedNextTick(t *testing.T) {
	market := newFakeMarket(t, testBreakerConfig())
	market.setQuote(testQuote("AAPL", 174.50))

	cacheCfg := testCacheConfig()
	cacheCfg.TTL = 50 * time.Millisecond

	h := startScheduler(t, testSchedulerConfig(), cacheCfg, market, func(r *subscription.Registry) {
		r.Subscribe("client-1", "AAPL")
	})

	require.Eventually(t, func() bool { return market.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond,
		"watched symbol was not polled continuously")

	h.registry.RemoveClient("client-1")
	time.Sleep(100 * time.Millisecond)
	settled := market.callCount()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, settled, market.callCount(), "unwatched symbol still being fetched")
}

func TestBatchingRespectsPerCallLimit(t *testing.T) {
	market := newFakeMarket(t, testBreakerConfig())
	symbols := []string{"AAPL", "MSFT", "GOOG", "AMZN", "TSLA", "NVDA", "META"}
	for i, s := range symbols {
		market.setQuote(testQuote(s, 100+float64(i)))
	}

	h := startScheduler(t, testSchedulerConfig(), testCacheConfig(), market, func(r *subscription.Registry) {
		for _, s := range symbols {
			r.Subscribe("client-1", s)
		}
	})

	require.Eventually(t, func() bool { return h.pub.count() >= len(symbols) }, 2*time.Second, 5*time.Millisecond,
		"not all watched symbols were fetched")

	fetched := make(map[string]struct{})
	for _, call := range market.callSnapshot() {
		assert.LessOrEqual(t, len(call), 3, "batch exceeded the per-call symbol limit")
		for _, s := range call {
			fetched[s] = struct{}{}
		}
	}
	for _, s := range symbols {
		assert.Contains(t, fetched, s)
	}
}

func TestOpenBreakerStopsNetworkCalls(t *testing.T) {
	market := newFakeMarket(t, testBreakerConfig())
	market.err = upstream.ErrUpstreamUnavailable

	startScheduler(t, testSchedulerConfig(), testCacheConfig(), market, func(r *subscription.Registry) {
		r.Subscribe("client-1", "AAPL")
	})

	require.Eventually(t, func() bool {
		return market.Breaker().State() == upstream.StateOpen
	}, 3*time.Second, 5*time.Millisecond, "breaker never opened under consecutive failures")
	require.Equal(t, 5, market.callCount(), "breaker opened at the wrong failure count")

	// Scheduled refreshes keep firing but the breaker rejects them
	// locally; the vendor sees nothing more for the whole cooldown.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 5, market.callCount(), "network calls continued while the breaker was open")
}

func TestUnmatchedSymbolNegativeCachedAndSkipped(t *testing.T) {
	market := newFakeMarket(t, testBreakerConfig())
	market.unmatched = []string{"FAKEX"}

	h := startScheduler(t, testSchedulerConfig(), testCacheConfig(), market, func(r *subscription.Registry) {
		r.Subscribe("client-1", "FAKEX")
	})

	require.Eventually(t, func() bool { return h.cache.NegativeHit("FAKEX") }, 2*time.Second, 5*time.Millisecond,
		"unknown symbol was never negative-cached")
	require.Equal(t, 1, market.callCount())

	// Inside the negative TTL the scheduler must not ask the vendor again.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, market.callCount(), "negative-cached symbol was re-fetched before its TTL expired")
	assert.Equal(t, 0, h.pub.count())
}

func TestAuthFailureHaltsQuotePolling(t *testing.T) {
	market := newFakeMarket(t, testBreakerConfig())
	market.err = fmt.Errorf("quotes: %w", upstream.ErrAuth)

	h := startScheduler(t, testSchedulerConfig(), testCacheConfig(), market, func(r *subscription.Registry) {
		r.Subscribe("client-1", "AAPL")
	})

	require.Eventually(t, func() bool { return h.sched.Health().QuoteAuthFatal }, 2*time.Second, 5*time.Millisecond,
		"credential rejection did not surface in health")
	require.Equal(t, 1, market.callCount())

	// New subscriptions and ticks must not produce further vendor calls.
	h.registry.Subscribe("client-1", "MSFT")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, market.callCount(), "polling continued after a fatal auth error")
	assert.False(t, h.sched.Healthy())
	assert.True(t, h.sched.Health().Running)
}

func TestPositionsRefreshLoop(t *testing.T) {
	market := newFakeMarket(t, testBreakerConfig())
	h := startScheduler(t, testSchedulerConfig(), testCacheConfig(), market, nil)

	require.Eventually(t, func() bool { return h.sink.refreshes.Load() >= 2 }, 2*time.Second, 5*time.Millisecond,
		"position refresh loop never ran twice")
	assert.False(t, h.sched.Health().PositionsFatal)
}

func TestPositionsAuthFailureHaltsRefreshLoop(t *testing.T) {
	market := newFakeMarket(t, testBreakerConfig())
	sinkErr := fmt.Errorf("list positions: %w", upstream.ErrAuth)

	logger := zap.NewNop()
	cache := quotecache.New(testCacheConfig(), logger)
	registry := subscription.NewRegistry()
	sink := &fakeSink{refreshErr: sinkErr}
	sched := New(testSchedulerConfig(), testCacheConfig(), market, cache, registry, &fakePublisher{}, sink, &fakeSettings{}, logger)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)
	t.Cleanup(cache.Stop)

	require.Eventually(t, func() bool { return sched.Health().PositionsFatal }, 2*time.Second, 5*time.Millisecond,
		"brokerage credential rejection did not surface in health")
	require.EqualValues(t, 1, sink.refreshes.Load())

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, sink.refreshes.Load(), "position polling continued after a fatal auth error")
}

func TestSettingsRefreshCadence(t *testing.T) {
	market := newFakeMarket(t, testBreakerConfig())
	h := startScheduler(t, testSchedulerConfig(), testCacheConfig(), market, nil)

	require.Eventually(t, func() bool { return h.settings.loads.Load() >= 2 }, 2*time.Second, 5*time.Millisecond,
		"settings were not re-read on the slow cadence")
}

func TestHealthReportsWorkingSetAndLastBatch(t *testing.T) {
	market := newFakeMarket(t, testBreakerConfig())
	market.setQuote(testQuote("AAPL", 174.50))

	h := startScheduler(t, testSchedulerConfig(), testCacheConfig(), market, func(r *subscription.Registry) {
		r.Subscribe("client-1", "AAPL")
	})

	require.Eventually(t, func() bool {
		return !h.sched.Health().LastQuoteBatch.IsZero()
	}, 2*time.Second, 5*time.Millisecond, "successful batch never recorded in health")

	health := h.sched.Health()
	assert.True(t, health.Running)
	assert.Equal(t, 1, health.WorkingSet)
	assert.False(t, health.QuoteAuthFatal)
	assert.True(t, h.sched.Healthy())

	h.sched.Stop()
	assert.False(t, h.sched.Health().Running)
}
