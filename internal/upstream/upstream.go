// Package upstream contains the vendor adapters and the circuit breakers
// guarding them. Adapters translate vendor payloads and HTTP failures
// into domain models and the shared error taxonomy; they never retry and
// never fabricate data.
package upstream

import (
	"context"

	"github.com/marketlens/marketlens/pkg/models"
)

// MarketData serves batched quote lookups and options chains.
type MarketData interface {
	// Quotes fetches quotes for up to the vendor's per-call symbol limit.
	// The second return value lists requested symbols the vendor does not
	// know, so callers can cache the negative result.
	Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, []string, error)

	// OptionChain fetches the chain for one underlying and expiration
	// (YYYY-MM-DD), including vendor-supplied implied volatility.
	OptionChain(ctx context.Context, underlying, expiration string) ([]models.ChainEntry, error)

	Name() string
	Breaker() *Breaker
}

// Brokerage serves account state for the credential it was built with.
// Quantity and average cost are authoritative here and are never derived
// locally.
type Brokerage interface {
	Positions(ctx context.Context) ([]models.Position, error)
	Account(ctx context.Context) (models.BrokerageAccount, error)

	Name() string
	Breaker() *Breaker
}
