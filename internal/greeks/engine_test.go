package greeks

import (
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/marketlens/pkg/models"
)

func atmInputs(right models.OptionRight) Inputs {
	return Inputs{
		Spot:         100,
		Strike:       100,
		TimeToExpiry: 1,
		RiskFreeRate: 0.05,
		Volatility:   0.2,
		Right:        right,
	}
}

func TestComputeKnownValues(t *testing.T) {
	e := NewEngine(zap.NewNop())

	g, err := e.Compute(atmInputs(models.RightCall))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// S=100 K=100 T=1 r=5% sigma=20%: d1=0.35, d2=0.15.
	if math.Abs(g.Delta-0.63683) > 5e-4 {
		t.Errorf("call delta = %v, want ~0.63683", g.Delta)
	}
	if math.Abs(g.Gamma-0.018762) > 1e-4 {
		t.Errorf("gamma = %v, want ~0.018762", g.Gamma)
	}
	if math.Abs(g.Vega-0.37524) > 1e-3 {
		t.Errorf("vega = %v, want ~0.37524 per vol point", g.Vega)
	}
	if math.Abs(g.Rho-53.2325) > 0.05 {
		t.Errorf("call rho = %v, want ~53.23", g.Rho)
	}

	price, err := e.Price(atmInputs(models.RightCall))
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if math.Abs(price-10.4506) > 1e-3 {
		t.Errorf("call price = %v, want ~10.4506", price)
	}
}

func TestGammaIdenticalForCallAndPut(t *testing.T) {
	e := NewEngine(zap.NewNop())

	call, err := e.Compute(atmInputs(models.RightCall))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	put, err := e.Compute(atmInputs(models.RightPut))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if diff := math.Abs(call.Gamma - put.Gamma); diff > 1e-6 {
		t.Fatalf("gamma differs by %v between call and put", diff)
	}
	if diff := math.Abs(call.Vega - put.Vega); diff > 1e-6 {
		t.Fatalf("vega differs by %v between call and put", diff)
	}
}

func TestDeltaParity(t *testing.T) {
	e := NewEngine(zap.NewNop())

	// callDelta - putDelta = 1 holds across moneyness.
	for _, spot := range []float64{60, 85, 100, 130, 180} {
		in := atmInputs(models.RightCall)
		in.Spot = spot
		call, err := e.Compute(in)
		if err != nil {
			t.Fatalf("call at spot %v: %v", spot, err)
		}
		in.Right = models.RightPut
		put, err := e.Compute(in)
		if err != nil {
			t.Fatalf("put at spot %v: %v", spot, err)
		}
		if diff := math.Abs(call.Delta - put.Delta - 1); diff > 1e-9 {
			t.Errorf("spot %v: callDelta-putDelta = %v, want 1", spot, call.Delta-put.Delta)
		}
		if call.Delta < 0 || call.Delta > 1 {
			t.Errorf("spot %v: call delta %v out of [0,1]", spot, call.Delta)
		}
		if put.Delta < -1 || put.Delta > 0 {
			t.Errorf("spot %v: put delta %v out of [-1,0]", spot, put.Delta)
		}
	}
}

func TestPriceParity(t *testing.T) {
	e := NewEngine(zap.NewNop())
	in := atmInputs(models.RightCall)

	call, err := e.Price(in)
	if err != nil {
		t.Fatalf("call price: %v", err)
	}
	in.Right = models.RightPut
	put, err := e.Price(in)
	if err != nil {
		t.Fatalf("put price: %v", err)
	}

	// C - P = S - K*e^(-rT)
	want := in.Spot - in.Strike*math.Exp(-in.RiskFreeRate*in.TimeToExpiry)
	if diff := math.Abs((call - put) - want); diff > 1e-9 {
		t.Fatalf("put-call parity violated by %v", diff)
	}
}

func TestThetaNegativeNearTheMoney(t *testing.T) {
	e := NewEngine(zap.NewNop())

	for _, right := range []models.OptionRight{models.RightCall, models.RightPut} {
		g, err := e.Compute(atmInputs(right))
		if err != nil {
			t.Fatalf("%s: %v", right, err)
		}
		if g.Theta >= 0 {
			t.Errorf("%s theta = %v, want negative time decay at the money", right, g.Theta)
		}
		// Per calendar day: a 100-strike ATM option cannot decay more
		// than a few cents a day at these vols.
		if g.Theta < -0.1 {
			t.Errorf("%s theta = %v per day, implausibly large", right, g.Theta)
		}
	}
}

func TestVegaPositive(t *testing.T) {
	e := NewEngine(zap.NewNop())
	for _, spot := range []float64{70, 100, 140} {
		in := atmInputs(models.RightCall)
		in.Spot = spot
		g, err := e.Compute(in)
		if err != nil {
			t.Fatalf("spot %v: %v", spot, err)
		}
		if g.Vega <= 0 {
			t.Errorf("spot %v: vega = %v, want positive", spot, g.Vega)
		}
	}
}

func TestInvalidInputs(t *testing.T) {
	e := NewEngine(zap.NewNop())

	cases := []struct {
		name   string
		mutate func(*Inputs)
	}{
		{"zero spot", func(in *Inputs) { in.Spot = 0 }},
		{"negative spot", func(in *Inputs) { in.Spot = -5 }},
		{"zero strike", func(in *Inputs) { in.Strike = 0 }},
		{"zero volatility", func(in *Inputs) { in.Volatility = 0 }},
		{"negative volatility", func(in *Inputs) { in.Volatility = -0.2 }},
		{"expired", func(in *Inputs) { in.TimeToExpiry = 0 }},
		{"nan spot", func(in *Inputs) { in.Spot = math.NaN() }},
		{"inf strike", func(in *Inputs) { in.Strike = math.Inf(1) }},
		{"nan rate", func(in *Inputs) { in.RiskFreeRate = math.NaN() }},
		{"bad right", func(in *Inputs) { in.Right = "straddle" }},
	}
	for _, tc := range cases {
		in := atmInputs(models.RightCall)
		tc.mutate(&in)
		if _, err := e.Compute(in); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: err = %v, want ErrInvalidInput", tc.name, err)
		}
	}
}

func TestImpliedVolRoundTrip(t *testing.T) {
	e := NewEngine(zap.NewNop())

	for _, sigma := range []float64{0.1, 0.2, 0.45, 0.8} {
		in := atmInputs(models.RightCall)
		in.Volatility = sigma
		price, err := e.Price(in)
		if err != nil {
			t.Fatalf("Price at sigma %v: %v", sigma, err)
		}
		iv, err := e.ImpliedVol(atmInputs(models.RightCall), price)
		if err != nil {
			t.Fatalf("ImpliedVol at sigma %v: %v", sigma, err)
		}
		if math.Abs(iv-sigma) > 1e-4 {
			t.Errorf("recovered vol = %v, want %v", iv, sigma)
		}
	}
}

func TestImpliedVolRejectsUnattainablePrices(t *testing.T) {
	e := NewEngine(zap.NewNop())
	in := atmInputs(models.RightCall)

	// Below discounted intrinsic and above the spot are both
	// arbitrage-violating for a call.
	for _, price := range []float64{0, -1, 0.0001, 150} {
		if _, err := e.ImpliedVol(in, price); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("price %v: err = %v, want ErrInvalidInput", price, err)
		}
	}
}

func TestComputeForContract(t *testing.T) {
	e := NewEngine(zap.NewNop())
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	contract := models.OptionContract{
		UnderlyingSymbol: "SPY",
		Strike:           520,
		Expiry:           now.AddDate(0, 3, 0),
		Right:            models.RightCall,
	}
	g, err := e.ComputeForContract(contract, 520, 0.05, 0.18, now)
	if err != nil {
		t.Fatalf("ComputeForContract: %v", err)
	}
	if g.Delta <= 0.4 || g.Delta >= 0.7 {
		t.Errorf("near-the-money 3-month call delta = %v, want around 0.5", g.Delta)
	}

	expired := contract
	expired.Expiry = now.AddDate(0, -1, 0)
	if _, err := e.ComputeForContract(expired, 520, 0.05, 0.18, now); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expired contract err = %v, want ErrInvalidInput", err)
	}
}
