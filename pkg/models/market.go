package models

import (
	"time"
)

// Freshness classifies a cached quote relative to its TTL window.
type Freshness int

const (
	// FreshnessMissing - no usable value: never fetched, evicted, or older than the stale ceiling
	FreshnessMissing Freshness = iota
	// FreshnessFresh - inside the TTL window
	FreshnessFresh
	// FreshnessStale - past TTL but still inside the stale ceiling; servable with a flag
	FreshnessStale
)

func (f Freshness) String() string {
	switch f {
	case FreshnessFresh:
		return "fresh"
	case FreshnessStale:
		return "stale"
	case FreshnessMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Quote is a normalized market quote for one symbol. Quotes are immutable:
// a newer quote for the same symbol supersedes but never mutates the prior one.
// Bid/Ask of zero mean "not quoted" (pre-market, halted, index symbols).
type Quote struct {
	Symbol    string    `json:"symbol" validate:"required,uppercase"`
	Bid       float64   `json:"bid" validate:"min=0"`
	Ask       float64   `json:"ask" validate:"min=0"`
	Last      float64   `json:"last" validate:"min=0"`
	BidSize   int       `json:"bid_size,omitempty"`
	AskSize   int       `json:"ask_size,omitempty"`
	Volume    int64     `json:"volume"`
	PrevClose float64   `json:"prev_close,omitempty"`
	Change    float64   `json:"change,omitempty"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Source    string    `json:"source"`
}

// Crossed reports a bid above ask, which violates the quote invariant.
// Quotes with Bid or Ask absent (zero) are never considered crossed.
func (q Quote) Crossed() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Bid > q.Ask
}

// Mid returns the bid/ask midpoint, falling back to the last trade when
// one side is missing.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// Stream message types pushed to dashboard clients.
const (
	MessageTypeHello    = "hello"
	MessageTypeQuote    = "quote"
	MessageTypePosition = "position"
)

// StreamMessage is the envelope every push-channel delivery uses.
// Staleness tells the UI how to render the payload; it is never omitted
// so clients cannot mistake a stale value for a live one.
type StreamMessage struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol"`
	Payload   interface{} `json:"payload"`
	Staleness string      `json:"staleness"`
}
