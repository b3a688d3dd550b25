// Package greeks derives Black-Scholes price sensitivities on demand.
// Greeks are always computed from a live quote plus contract identity and
// are never stored as authoritative state; degenerate inputs yield an
// error, not zeros that look like real numbers.
package greeks

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/marketlens/pkg/metrics"
	"github.com/marketlens/marketlens/pkg/models"
)

// ErrInvalidInput marks inputs no model can price: non-positive spot,
// strike, volatility or time to expiry, NaN/Inf anywhere, or an unknown
// right. Callers mark the position's Greeks unavailable instead of
// rendering zeros.
var ErrInvalidInput = errors.New("greeks: invalid input")

const hoursPerYear = 24 * 365

// Inputs are the pricing inputs for one contract.
type Inputs struct {
	Spot         float64
	Strike       float64
	TimeToExpiry float64 // fraction of a year
	RiskFreeRate float64
	Volatility   float64
	Right        models.OptionRight
}

// Engine computes European option Greeks.
type Engine struct {
	logger *zap.Logger
}

// NewEngine returns a ready engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

func (in Inputs) validate() error {
	for name, v := range map[string]float64{
		"spot":           in.Spot,
		"strike":         in.Strike,
		"time_to_expiry": in.TimeToExpiry,
		"volatility":     in.Volatility,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidInput, name)
		}
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidInput, name, v)
		}
	}
	if math.IsNaN(in.RiskFreeRate) || math.IsInf(in.RiskFreeRate, 0) {
		return fmt.Errorf("%w: risk-free rate is not finite", ErrInvalidInput)
	}
	if !in.Right.Valid() {
		return fmt.Errorf("%w: unknown right %q", ErrInvalidInput, in.Right)
	}
	return nil
}

// Compute returns the Greeks for the given inputs. Theta is quoted per
// calendar day, vega per vol point; delta, gamma and rho are in their
// natural units.
func (e *Engine) Compute(in Inputs) (models.Greeks, error) {
	if err := in.validate(); err != nil {
		metrics.GreeksComputed.WithLabelValues("invalid_input").Inc()
		return models.Greeks{}, err
	}

	S, K, T, r, sigma := in.Spot, in.Strike, in.TimeToExpiry, in.RiskFreeRate, in.Volatility
	sqrtT := math.Sqrt(T)
	d1 := (math.Log(S/K) + (r+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	pdfD1 := normPDF(d1)
	discount := math.Exp(-r * T)

	var g models.Greeks
	g.Gamma = pdfD1 / (S * sigma * sqrtT)
	g.Vega = S * pdfD1 * sqrtT / 100

	thetaCommon := -(S * pdfD1 * sigma) / (2 * sqrtT)
	switch in.Right {
	case models.RightCall:
		g.Delta = normCDF(d1)
		g.Theta = (thetaCommon - r*K*discount*normCDF(d2)) / 365
		g.Rho = K * T * discount * normCDF(d2)
	case models.RightPut:
		g.Delta = normCDF(d1) - 1
		g.Theta = (thetaCommon + r*K*discount*normCDF(-d2)) / 365
		g.Rho = -K * T * discount * normCDF(-d2)
	}

	metrics.GreeksComputed.WithLabelValues("ok").Inc()
	return g, nil
}

// Price returns the Black-Scholes theoretical price for the inputs.
func (e *Engine) Price(in Inputs) (float64, error) {
	if err := in.validate(); err != nil {
		return 0, err
	}

	S, K, T, r, sigma := in.Spot, in.Strike, in.TimeToExpiry, in.RiskFreeRate, in.Volatility
	sqrtT := math.Sqrt(T)
	d1 := (math.Log(S/K) + (r+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	discount := math.Exp(-r * T)

	if in.Right == models.RightCall {
		return S*normCDF(d1) - K*discount*normCDF(d2), nil
	}
	return K*discount*normCDF(-d2) - S*normCDF(-d1), nil
}

// ComputeForContract derives time to expiry from the contract and
// evaluates at the given spot. Expired contracts are invalid input.
func (e *Engine) ComputeForContract(contract models.OptionContract, spot, riskFreeRate, volatility float64, now time.Time) (models.Greeks, error) {
	in, err := contractInputs(contract, spot, riskFreeRate, volatility, now)
	if err != nil {
		metrics.GreeksComputed.WithLabelValues("invalid_input").Inc()
		return models.Greeks{}, err
	}
	return e.Compute(in)
}

// PriceForContract returns the theoretical price for a live contract at
// the given spot, under the same input contract as ComputeForContract.
func (e *Engine) PriceForContract(contract models.OptionContract, spot, riskFreeRate, volatility float64, now time.Time) (float64, error) {
	in, err := contractInputs(contract, spot, riskFreeRate, volatility, now)
	if err != nil {
		return 0, err
	}
	return e.Price(in)
}

const (
	ivFloor     = 1e-4
	ivCeil      = 5.0
	ivTolerance = 1e-6
	ivMaxProbes = 100
)

// ImpliedVol inverts the pricing formula for volatility by bisection,
// for chain rows where the vendor omitted its own figure. The target is
// an observed option price; Inputs.Volatility is ignored. Prices the
// model cannot reach at any volatility in [ivFloor, ivCeil] are invalid
// input rather than extrapolated.
func (e *Engine) ImpliedVol(in Inputs, target float64) (float64, error) {
	if math.IsNaN(target) || math.IsInf(target, 0) || target <= 0 {
		return 0, fmt.Errorf("%w: option price must be positive, got %v", ErrInvalidInput, target)
	}

	lo, hi := ivFloor, ivCeil
	in.Volatility = lo
	low, err := e.Price(in)
	if err != nil {
		return 0, err
	}
	in.Volatility = hi
	high, err := e.Price(in)
	if err != nil {
		return 0, err
	}
	if target < low || target > high {
		return 0, fmt.Errorf("%w: price %v outside attainable range [%v, %v]",
			ErrInvalidInput, target, low, high)
	}

	for i := 0; i < ivMaxProbes; i++ {
		mid := (lo + hi) / 2
		in.Volatility = mid
		price, err := e.Price(in)
		if err != nil {
			return 0, err
		}
		if math.Abs(price-target) < ivTolerance {
			return mid, nil
		}
		if price < target {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2, nil
}

func contractInputs(contract models.OptionContract, spot, riskFreeRate, volatility float64, now time.Time) (Inputs, error) {
	ttl := contract.Expiry.Sub(now).Hours() / hoursPerYear
	if ttl <= 0 {
		return Inputs{}, fmt.Errorf("%w: contract %s expired", ErrInvalidInput, contract.Key())
	}
	return Inputs{
		Spot:         spot,
		Strike:       contract.Strike,
		TimeToExpiry: ttl,
		RiskFreeRate: riskFreeRate,
		Volatility:   volatility,
		Right:        contract.Right,
	}, nil
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}
