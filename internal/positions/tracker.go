// Package positions joins brokerage-reported holdings with live quotes
// and Greeks to produce per-position and account-level P&L and risk.
package positions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketlens/marketlens/internal/greeks"
	"github.com/marketlens/marketlens/internal/subscription"
	"github.com/marketlens/marketlens/internal/upstream"
	"github.com/marketlens/marketlens/pkg/models"
)

// watcherID is the reserved registry client that keeps position
// underlyings inside the scheduler's working set even when no dashboard
// client watches them.
const watcherID = "internal:positions"

// QuoteSource is the read side of the quote cache.
type QuoteSource interface {
	Get(symbol string) (models.Quote, models.Freshness)
}

// Publisher pushes recomputed positions to connected clients.
type Publisher interface {
	PublishPosition(models.Position)
}

// RiskSource supplies the pricing parameters maintained in settings.
type RiskSource interface {
	RiskFreeRate() float64
	DefaultVolatility() float64
}

// Tracker reconciles wholesale brokerage snapshots and recomputes
// derived fields on every quote update. Quantity and average cost come
// from the brokerage only; the tracker never invents them.
type Tracker struct {
	brokerage upstream.Brokerage
	quotes    QuoteSource
	engine    *greeks.Engine
	registry  *subscription.Registry
	publisher Publisher
	risk      RiskSource
	logger    *zap.Logger

	mu          sync.RWMutex
	positions   map[string]models.Position
	bySymbol    map[string][]string
	account     models.BrokerageAccount
	hasAccount  bool
	lastRefresh time.Time
	lastErr     error
}

func NewTracker(brokerage upstream.Brokerage, quotes QuoteSource, engine *greeks.Engine,
	registry *subscription.Registry, publisher Publisher, risk RiskSource, logger *zap.Logger) *Tracker {
	return &Tracker{
		brokerage: brokerage,
		quotes:    quotes,
		engine:    engine,
		registry:  registry,
		publisher: publisher,
		risk:      risk,
		logger:    logger,
		positions: make(map[string]models.Position),
		bySymbol:  make(map[string][]string),
	}
}

// Refresh pulls the position and account snapshot from the brokerage
// and reconciles it into the tracked set. A failed pull keeps the
// previous snapshot and surfaces the error, including ErrCircuitOpen,
// to the caller and the status surface.
func (t *Tracker) Refresh(ctx context.Context) error {
	fresh, err := t.brokerage.Positions(ctx)
	if err != nil {
		t.recordError(err)
		return fmt.Errorf("refresh positions: %w", err)
	}
	account, err := t.brokerage.Account(ctx)
	if err != nil {
		t.recordError(err)
		return fmt.Errorf("refresh account: %w", err)
	}

	updated := t.reconcile(fresh, account)
	for _, p := range updated {
		t.publisher.PublishPosition(p)
	}
	return nil
}

func (t *Tracker) recordError(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	t.logger.Warn("position refresh failed", zap.Error(err))
}

// reconcile swaps in the new snapshot, carrying forward derived fields
// for surviving keys, repricing everything it has a quote for, and
// re-pointing the registry interest at the new underlying set.
func (t *Tracker) reconcile(fresh []models.Position, account models.BrokerageAccount) []models.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevSymbols := make(map[string]struct{}, len(t.bySymbol))
	for sym := range t.bySymbol {
		prevSymbols[sym] = struct{}{}
	}

	next := make(map[string]models.Position, len(fresh))
	nextBySymbol := make(map[string][]string, len(fresh))
	for _, p := range fresh {
		if p.AccountID == "" {
			p.AccountID = account.AccountID
		}
		key := p.Key()
		if prev, ok := t.positions[key]; ok {
			p.MarketValue = prev.MarketValue
			p.UnrealizedPnl = prev.UnrealizedPnl
			p.Greeks = prev.Greeks
			p.Stale = prev.Stale
			p.PricedAt = prev.PricedAt
		} else {
			p.Stale = true
		}
		next[key] = p
		sym := pricingSymbol(p)
		nextBySymbol[sym] = append(nextBySymbol[sym], key)
	}

	for sym := range nextBySymbol {
		if _, ok := prevSymbols[sym]; !ok {
			t.registry.Subscribe(watcherID, sym)
		}
	}
	for sym := range prevSymbols {
		if _, ok := nextBySymbol[sym]; !ok {
			t.registry.Unsubscribe(watcherID, sym)
		}
	}

	t.positions = next
	t.bySymbol = nextBySymbol
	t.account = account
	t.hasAccount = true
	t.lastRefresh = time.Now()
	t.lastErr = nil

	var updated []models.Position
	for sym, keys := range t.bySymbol {
		quote, freshness := t.quotes.Get(sym)
		for _, key := range keys {
			pos := t.positions[key]
			if freshness == models.FreshnessMissing {
				pos.Stale = true
			} else {
				t.reprice(&pos, quote, freshness)
			}
			t.positions[key] = pos
			updated = append(updated, pos)
		}
	}
	t.logger.Info("positions reconciled",
		zap.Int("count", len(next)), zap.Int("symbols", len(nextBySymbol)))
	return updated
}

// OnQuote reprices every position priced off the quoted symbol and
// publishes the results. Called by the scheduler after each applied
// cache update.
func (t *Tracker) OnQuote(quote models.Quote, freshness models.Freshness) {
	if freshness == models.FreshnessMissing {
		return
	}
	t.mu.Lock()
	keys := t.bySymbol[strings.ToUpper(quote.Symbol)]
	updated := make([]models.Position, 0, len(keys))
	for _, key := range keys {
		pos := t.positions[key]
		t.reprice(&pos, quote, freshness)
		t.positions[key] = pos
		updated = append(updated, pos)
	}
	t.mu.Unlock()

	for _, p := range updated {
		t.publisher.PublishPosition(p)
	}
}

// reprice recomputes the derived fields from the given quote. A quote
// without a usable last price, or a contract the engine rejects, keeps
// the previous derived values and flags the position stale instead of
// showing fabricated numbers.
func (t *Tracker) reprice(pos *models.Position, quote models.Quote, freshness models.Freshness) {
	if quote.Last <= 0 {
		pos.Stale = true
		return
	}
	now := time.Now()
	stale := freshness != models.FreshnessFresh

	if pos.Contract == nil {
		last := decimal.NewFromFloat(quote.Last)
		pos.MarketValue = pos.Quantity.Mul(last)
		pos.UnrealizedPnl = pos.MarketValue.Sub(pos.CostBasis())
		pos.Greeks = nil
		pos.Stale = stale
		pos.PricedAt = now
		return
	}

	rate := t.risk.RiskFreeRate()
	vol := t.risk.DefaultVolatility()
	g, err := t.engine.ComputeForContract(*pos.Contract, quote.Last, rate, vol, now)
	if err != nil {
		pos.Greeks = nil
		pos.Stale = true
		t.logger.Warn("greeks unavailable",
			zap.String("position", pos.Key()), zap.Error(err))
		return
	}
	price, err := t.engine.PriceForContract(*pos.Contract, quote.Last, rate, vol, now)
	if err != nil {
		pos.Greeks = nil
		pos.Stale = true
		return
	}

	mult := decimal.NewFromInt(int64(pos.Contract.EffectiveMultiplier()))
	pos.MarketValue = pos.Quantity.Mul(mult).Mul(decimal.NewFromFloat(price))
	pos.UnrealizedPnl = pos.MarketValue.Sub(pos.CostBasis())
	pos.Greeks = &g
	pos.Stale = stale
	pos.PricedAt = now
}

// Positions returns the tracked set sorted by pricing symbol then key.
func (t *Tracker) Positions() []models.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Count returns the number of tracked positions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// Account returns the last brokerage account snapshot, if any.
func (t *Tracker) Account() (models.BrokerageAccount, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.account, t.hasAccount
}

// LastRefresh reports when the last successful refresh happened and the
// error from the most recent attempt, nil when it succeeded.
func (t *Tracker) LastRefresh() (time.Time, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastRefresh, t.lastErr
}

// Summary aggregates the tracked positions into the dashboard header
// totals. NetDelta is in underlying-share equivalents: one share of
// stock contributes 1, an option contributes delta * quantity *
// multiplier. Positions whose Greeks are unavailable contribute no
// delta.
func (t *Tracker) Summary() models.PortfolioSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := models.PortfolioSummary{
		AccountID: t.account.AccountID,
		Equity:    t.account.Equity,
		Cash:      t.account.Cash,
		AsOf:      time.Now(),
	}
	for _, p := range t.positions {
		s.TotalMarketValue = s.TotalMarketValue.Add(p.MarketValue)
		s.TotalUnrealizedPnl = s.TotalUnrealizedPnl.Add(p.UnrealizedPnl)
		s.TotalCostBasis = s.TotalCostBasis.Add(p.CostBasis())
		s.PositionCount++
		if p.Stale {
			s.StalePositions++
		}
		if p.Contract == nil {
			s.NetDelta += p.Quantity.InexactFloat64()
		} else if p.Greeks != nil {
			s.NetDelta += p.Greeks.Delta * p.Quantity.InexactFloat64() *
				float64(p.Contract.EffectiveMultiplier())
		}
	}
	return s
}

func pricingSymbol(p models.Position) string {
	if p.Contract != nil {
		return strings.ToUpper(p.Contract.UnderlyingSymbol)
	}
	return strings.ToUpper(p.Symbol)
}
