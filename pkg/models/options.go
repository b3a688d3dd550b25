package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OptionRight distinguishes calls from puts.
type OptionRight string

const (
	RightCall OptionRight = "call"
	RightPut  OptionRight = "put"
)

// Valid reports whether the right is one of the two known values.
func (r OptionRight) Valid() bool {
	return r == RightCall || r == RightPut
}

// OptionContract identifies one listed option. Identity is immutable;
// Greeks are always derived from the contract plus a live underlying quote,
// never stored as authoritative state.
type OptionContract struct {
	UnderlyingSymbol string      `json:"underlying_symbol" validate:"required,uppercase"`
	Strike           float64     `json:"strike" validate:"required,gt=0"`
	Expiry           time.Time   `json:"expiry" validate:"required"`
	Right            OptionRight `json:"right" validate:"required,oneof=call put"`
	Multiplier       int         `json:"multiplier,omitempty"`
	OCCSymbol        string      `json:"occ_symbol,omitempty"`
}

// Key returns the reconciliation key for joining brokerage positions with
// contracts: underlying, strike, expiry date, and right.
func (c OptionContract) Key() string {
	return fmt.Sprintf("%s|%s|%s|%.3f",
		strings.ToUpper(c.UnderlyingSymbol), c.Expiry.UTC().Format("2006-01-02"), c.Right, c.Strike)
}

// EffectiveMultiplier returns the contract multiplier, defaulting to the
// standard 100 shares per equity option contract.
func (c OptionContract) EffectiveMultiplier() int {
	if c.Multiplier > 0 {
		return c.Multiplier
	}
	return 100
}

// FormatOCC renders the OCC-style option symbol:
// <root><YYMMDD><C|P><strike*1000, 8 digits>.
func (c OptionContract) FormatOCC() string {
	right := "C"
	if c.Right == RightPut {
		right = "P"
	}
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(c.UnderlyingSymbol),
		c.Expiry.UTC().Format("060102"),
		right,
		int(math.Round(c.Strike*1000)))
}

// ParseOCC parses an OCC-style option symbol such as AAPL240119C00190000
// back into a contract. The strike occupies the last 8 digits (price *
// 1000), preceded by the right letter and a YYMMDD expiry.
func ParseOCC(symbol string) (OptionContract, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) < 16 {
		return OptionContract{}, fmt.Errorf("occ symbol %q too short", symbol)
	}
	strikeRaw := s[len(s)-8:]
	strikeThousandths, err := strconv.Atoi(strikeRaw)
	if err != nil {
		return OptionContract{}, fmt.Errorf("occ symbol %q: bad strike %q", symbol, strikeRaw)
	}
	rightRaw := s[len(s)-9]
	var right OptionRight
	switch rightRaw {
	case 'C':
		right = RightCall
	case 'P':
		right = RightPut
	default:
		return OptionContract{}, fmt.Errorf("occ symbol %q: bad right %q", symbol, string(rightRaw))
	}
	dateRaw := s[len(s)-15 : len(s)-9]
	expiry, err := time.ParseInLocation("060102", dateRaw, time.UTC)
	if err != nil {
		return OptionContract{}, fmt.Errorf("occ symbol %q: bad expiry %q", symbol, dateRaw)
	}
	root := strings.TrimSpace(s[:len(s)-15])
	if root == "" {
		return OptionContract{}, fmt.Errorf("occ symbol %q: empty root", symbol)
	}
	return OptionContract{
		UnderlyingSymbol: root,
		Strike:           float64(strikeThousandths) / 1000,
		Expiry:           expiry,
		Right:            right,
		OCCSymbol:        s,
	}, nil
}

// Greeks are the option price sensitivities derived for one contract.
// Theta is quoted per calendar day, vega per vol point (1% of sigma).
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// ChainEntry is one row of an options chain: the contract identity plus
// its latest vendor market data and implied volatility.
type ChainEntry struct {
	Contract     OptionContract `json:"contract"`
	Bid          float64        `json:"bid"`
	Ask          float64        `json:"ask"`
	Last         float64        `json:"last"`
	Volume       int64          `json:"volume"`
	OpenInterest int64          `json:"open_interest"`
	ImpliedVol   float64        `json:"implied_vol,omitempty"`
}
