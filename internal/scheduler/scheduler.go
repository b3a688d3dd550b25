// Package scheduler owns the upstream call policy: which symbols to
// fetch, when, in what batch sizes, and what happens with each result.
// Nothing else in the process talks to the market-data vendor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/subscription"
	"github.com/marketlens/marketlens/internal/upstream"
	"github.com/marketlens/marketlens/pkg/metrics"
	"github.com/marketlens/marketlens/pkg/models"
)

// QuoteStore is the write side of the quote cache.
type QuoteStore interface {
	Put(models.Quote) bool
	PutNegative(string)
	NegativeHit(string) bool
}

// QuotePublisher pushes applied quote updates to subscribed clients.
type QuotePublisher interface {
	PublishQuote(models.Quote, models.Freshness)
}

// PositionSink receives quote updates and position-refresh triggers.
type PositionSink interface {
	Refresh(ctx context.Context) error
	OnQuote(models.Quote, models.Freshness)
}

// SettingsSource re-reads the settings snapshot on the slow cadence.
type SettingsSource interface {
	Load(ctx context.Context) error
}

type dueEntry struct {
	symbol string
	due    time.Time
}

type fetchResult struct {
	batch     []string
	quotes    map[string]models.Quote
	unmatched []string
	err       error
}

// Scheduler drives the refresh loops. The due queue, key index, and
// in-flight set are owned by the run goroutine alone; workers only
// carry batches out and results back.
type Scheduler struct {
	cfg       config.SchedulerConfig
	cacheCfg  config.CacheConfig
	market    upstream.MarketData
	store     QuoteStore
	registry  *subscription.Registry
	publisher QuotePublisher
	positions PositionSink
	settings  SettingsSource
	logger    *zap.Logger

	queue    *btree.Map[string, dueEntry]
	keys     map[string]string
	inFlight map[string]struct{}

	pending chan []string
	jobs    chan []string
	results chan fetchResult

	running        atomic.Bool
	quoteAuthFatal atomic.Bool
	positionsFatal atomic.Bool
	inFlightCount  atomic.Int64
	lastBatch      atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.SchedulerConfig, cacheCfg config.CacheConfig, market upstream.MarketData,
	store QuoteStore, registry *subscription.Registry, publisher QuotePublisher,
	positions PositionSink, settings SettingsSource, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		cacheCfg:  cacheCfg,
		market:    market,
		store:     store,
		registry:  registry,
		publisher: publisher,
		positions: positions,
		settings:  settings,
		logger:    logger,
		queue:     btree.NewMap[string, dueEntry](32),
		keys:      make(map[string]string),
		inFlight:  make(map[string]struct{}),
		pending:   make(chan []string, 16),
		jobs:      make(chan []string),
		results:   make(chan fetchResult, 8),
	}
}

// Start launches the scheduling loop, the paced dispatcher, the fetch
// workers, and the slow position/settings refresh loops.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run(ctx)
	s.wg.Add(1)
	go s.dispatcher(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.positionsLoop(ctx)
	s.wg.Add(1)
	go s.settingsLoop(ctx)

	s.logger.Info("scheduler started",
		zap.Duration("tick", s.cfg.Tick),
		zap.Int("workers", s.cfg.Workers),
		zap.Int("max_symbols_per_call", s.cfg.MaxSymbolsPerCall))
}

// Stop cancels the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case symbol := <-s.registry.Fresh():
			s.scheduleNow(symbol)
			s.drainFresh()
			s.dispatchDue(time.Now())
		case <-ticker.C:
			s.tick()
		case res := <-s.results:
			s.handleResult(res)
		}
	}
}

func (s *Scheduler) drainFresh() {
	for {
		select {
		case symbol := <-s.registry.Fresh():
			s.scheduleNow(symbol)
		default:
			return
		}
	}
}

// scheduleNow marks a first-subscriber symbol due immediately so the
// dashboard is not left waiting a full TTL for its first price.
func (s *Scheduler) scheduleNow(symbol string) {
	if _, busy := s.inFlight[symbol]; busy {
		return
	}
	s.upsert(symbol, time.Now())
}

func (s *Scheduler) upsert(symbol string, due time.Time) {
	if old, ok := s.keys[symbol]; ok {
		s.queue.Delete(old)
	}
	key := fmt.Sprintf("%020d|%s", due.UnixNano(), symbol)
	s.queue.Set(key, dueEntry{symbol: symbol, due: due})
	s.keys[symbol] = key
}

func (s *Scheduler) remove(symbol string) {
	if key, ok := s.keys[symbol]; ok {
		s.queue.Delete(key)
		delete(s.keys, symbol)
	}
}

// tick reconciles the due queue against the registry working set, then
// dispatches whatever is due. Symbols that lost their last subscriber
// are dropped here, on the tick after the unsubscribe, never mid-flight.
func (s *Scheduler) tick() {
	if s.quoteAuthFatal.Load() {
		return
	}
	now := time.Now()

	active := s.registry.ActiveSymbols()
	activeSet := make(map[string]struct{}, len(active))
	for _, symbol := range active {
		activeSet[symbol] = struct{}{}
	}
	for symbol := range s.keys {
		if _, watched := activeSet[symbol]; !watched {
			s.remove(symbol)
		}
	}
	for symbol := range activeSet {
		if _, tracked := s.keys[symbol]; tracked {
			continue
		}
		if _, busy := s.inFlight[symbol]; busy {
			continue
		}
		s.upsert(symbol, now)
	}

	s.dispatchDue(now)
}

// dispatchDue batches due symbols up to the vendor per-call limit and
// hands them to the paced dispatcher. While the breaker is anything but
// closed, at most one batch goes out: the single probe, or a cheap
// local rejection the breaker counts as a short-circuit.
func (s *Scheduler) dispatchDue(now time.Time) {
	if s.quoteAuthFatal.Load() {
		return
	}

	var due []string
	s.queue.Scan(func(_ string, e dueEntry) bool {
		if e.due.After(now) {
			return false
		}
		due = append(due, e.symbol)
		return true
	})

	eligible := make([]string, 0, len(due))
	for _, symbol := range due {
		if s.store.NegativeHit(symbol) {
			s.upsert(symbol, now.Add(s.cacheCfg.NegativeTTL))
			continue
		}
		eligible = append(eligible, symbol)
	}
	if len(eligible) == 0 {
		return
	}

	if s.market.Breaker().State() != upstream.StateClosed && len(eligible) > s.cfg.MaxSymbolsPerCall {
		eligible = eligible[:s.cfg.MaxSymbolsPerCall]
	}

	for start := 0; start < len(eligible); start += s.cfg.MaxSymbolsPerCall {
		end := start + s.cfg.MaxSymbolsPerCall
		if end > len(eligible) {
			end = len(eligible)
		}
		batch := append([]string(nil), eligible[start:end]...)
		for _, symbol := range batch {
			s.remove(symbol)
			s.inFlight[symbol] = struct{}{}
		}
		s.inFlightCount.Add(int64(len(batch)))

		select {
		case s.pending <- batch:
			metrics.SchedulerBatchSize.Observe(float64(len(batch)))
		default:
			// Dispatch backlog is full; requeue for the next tick.
			for _, symbol := range batch {
				delete(s.inFlight, symbol)
				s.upsert(symbol, now.Add(s.cfg.Tick))
			}
			s.inFlightCount.Add(-int64(len(batch)))
			return
		}
	}
}

// dispatcher enforces the minimum spacing between upstream call starts.
func (s *Scheduler) dispatcher(ctx context.Context) {
	defer s.wg.Done()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-s.pending:
			if wait := s.cfg.MinCallSpacing - time.Since(last); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
			last = time.Now()
			select {
			case s.jobs <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-s.jobs:
			quotes, unmatched, err := s.market.Quotes(ctx, batch)
			select {
			case s.results <- fetchResult{batch: batch, quotes: quotes, unmatched: unmatched, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) handleResult(res fetchResult) {
	for _, symbol := range res.batch {
		delete(s.inFlight, symbol)
	}
	s.inFlightCount.Add(-int64(len(res.batch)))
	now := time.Now()

	if res.err != nil {
		switch {
		case errors.Is(res.err, upstream.ErrAuth):
			s.quoteAuthFatal.Store(true)
			s.logger.Error("market data credential rejected, quote polling halted until restart",
				zap.Error(res.err))
		case errors.Is(res.err, upstream.ErrNotFound):
			for _, symbol := range res.batch {
				s.store.PutNegative(symbol)
				s.upsert(symbol, now.Add(s.cacheCfg.NegativeTTL))
			}
		case errors.Is(res.err, upstream.ErrCircuitOpen):
			for _, symbol := range res.batch {
				s.upsert(symbol, now.Add(s.cfg.Tick))
			}
		default:
			// Transient upstream trouble: the breaker has already seen
			// it; retry on the next cycle, never in a tight loop.
			s.logger.Warn("quote batch failed",
				zap.Int("symbols", len(res.batch)), zap.Error(res.err))
			for _, symbol := range res.batch {
				s.upsert(symbol, now.Add(s.cfg.Tick))
			}
		}
		return
	}

	s.lastBatch.Store(now.UnixNano())
	for _, quote := range res.quotes {
		if s.store.Put(quote) {
			s.publisher.PublishQuote(quote, models.FreshnessFresh)
			s.positions.OnQuote(quote, models.FreshnessFresh)
		}
	}
	for _, symbol := range res.unmatched {
		s.store.PutNegative(symbol)
		s.upsert(symbol, now.Add(s.cacheCfg.NegativeTTL))
	}
	for _, symbol := range res.batch {
		if _, fetched := res.quotes[symbol]; fetched {
			s.upsert(symbol, now.Add(s.cacheCfg.TTL))
		}
	}
}

func (s *Scheduler) positionsLoop(ctx context.Context) {
	defer s.wg.Done()
	s.refreshPositions(ctx)
	ticker := time.NewTicker(s.cfg.PositionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshPositions(ctx)
		}
	}
}

func (s *Scheduler) refreshPositions(ctx context.Context) {
	if s.positionsFatal.Load() {
		return
	}
	if err := s.positions.Refresh(ctx); err != nil {
		if errors.Is(err, upstream.ErrAuth) {
			s.positionsFatal.Store(true)
			s.logger.Error("brokerage credential rejected, position polling halted until restart",
				zap.Error(err))
		}
	}
}

func (s *Scheduler) settingsLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SettingsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.settings.Load(ctx); err != nil {
				s.logger.Warn("settings refresh failed", zap.Error(err))
			}
		}
	}
}

// Health is the scheduler's contribution to the status surface.
type Health struct {
	Running        bool      `json:"running"`
	QuoteAuthFatal bool      `json:"quote_auth_fatal"`
	PositionsFatal bool      `json:"positions_auth_fatal"`
	WorkingSet     int       `json:"working_set"`
	InFlight       int       `json:"in_flight"`
	LastQuoteBatch time.Time `json:"last_quote_batch"`
}

func (s *Scheduler) Health() Health {
	var last time.Time
	if n := s.lastBatch.Load(); n > 0 {
		last = time.Unix(0, n)
	}
	return Health{
		Running:        s.running.Load(),
		QuoteAuthFatal: s.quoteAuthFatal.Load(),
		PositionsFatal: s.positionsFatal.Load(),
		WorkingSet:     len(s.registry.ActiveSymbols()),
		InFlight:       int(s.inFlightCount.Load()),
		LastQuoteBatch: last,
	}
}

// Healthy reports whether the quote path is live: started and not
// halted by a credential failure.
func (s *Scheduler) Healthy() bool {
	return s.running.Load() && !s.quoteAuthFatal.Load()
}
