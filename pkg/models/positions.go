package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Position joins a brokerage-reported holding with locally derived market
// fields. Quantity and AvgCost are authoritative from the brokerage and are
// never invented or mutated locally; everything under "derived" is recomputed
// from the latest quote and the Greeks engine.
type Position struct {
	AccountID string          `json:"account_id" validate:"required"`
	Symbol    string          `json:"symbol" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost"`
	Contract  *OptionContract `json:"contract,omitempty"`

	// Derived fields. When Stale is true they carry the previous successful
	// computation rather than values recomputed from old data.
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Greeks        *Greeks         `json:"greeks,omitempty"`
	Stale         bool            `json:"stale"`
	PricedAt      time.Time       `json:"priced_at"`
}

// Key is the reconciliation key for wholesale refreshes: symbol for stock
// positions, the contract key for options.
func (p Position) Key() string {
	if p.Contract != nil {
		return p.Contract.Key()
	}
	return strings.ToUpper(p.Symbol)
}

// CostBasis returns quantity * average cost, scaled by the contract
// multiplier for option positions (avg cost is quoted per share).
func (p Position) CostBasis() decimal.Decimal {
	basis := p.Quantity.Mul(p.AvgCost)
	if p.Contract != nil {
		basis = basis.Mul(decimal.NewFromInt(int64(p.Contract.EffectiveMultiplier())))
	}
	return basis
}

// BrokerageAccount is the account-level snapshot reported by the paper
// brokerage; ground truth for cash and equity, refreshed on the positions
// cadence.
type BrokerageAccount struct {
	AccountID   string          `json:"account_id"`
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
	Currency    string          `json:"currency"`
	AsOf        time.Time       `json:"as_of"`
}

// PortfolioSummary aggregates an account's positions to the totals the
// dashboard header renders.
type PortfolioSummary struct {
	AccountID          string          `json:"account_id"`
	TotalMarketValue   decimal.Decimal `json:"total_market_value"`
	TotalUnrealizedPnl decimal.Decimal `json:"total_unrealized_pnl"`
	TotalCostBasis     decimal.Decimal `json:"total_cost_basis"`
	NetDelta           float64         `json:"net_delta"`
	Equity             decimal.Decimal `json:"equity"`
	Cash               decimal.Decimal `json:"cash"`
	PositionCount      int             `json:"position_count"`
	StalePositions     int             `json:"stale_positions"`
	AsOf               time.Time       `json:"as_of"`
}
