package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/marketlens/internal/config"
)

func newTestTradier(t *testing.T, handler http.Handler) (*Tradier, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	adapter := NewTradier(config.TradierConfig{
		BaseURL: srv.URL,
		Token:   "test-token",
		Timeout: 2 * time.Second,
	}, config.BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		MaxCooldown:      time.Minute,
		BackoffFactor:    2,
	}, zap.NewNop())
	return adapter, srv
}

func TestTradierQuotesBatch(t *testing.T) {
	var gotAuth, gotSymbols string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSymbols = r.URL.Query().Get("symbols")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"quotes":{"quote":[
			{"symbol":"AAPL","last":190.25,"change":1.5,"volume":1200000,"bid":190.20,"ask":190.30,"bidsize":3,"asksize":5,"bid_date":1714138800000,"ask_date":1714138801000,"trade_date":1714138799000,"prevclose":188.75},
			{"symbol":"MSFT","last":402.10,"change":-0.4,"volume":900000,"bid":402.00,"ask":402.20,"bidsize":2,"asksize":2,"bid_date":1714138800000,"ask_date":1714138800000,"trade_date":1714138800000,"prevclose":402.50}
		]}}`))
	})
	adapter, _ := newTestTradier(t, handler)

	quotes, unmatched, err := adapter.Quotes(context.Background(), []string{"AAPL", "MSFT"})
	if err != nil {
		t.Fatalf("Quotes: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("authorization header = %q, want bearer token", gotAuth)
	}
	if gotSymbols != "AAPL,MSFT" {
		t.Errorf("symbols query = %q, want AAPL,MSFT", gotSymbols)
	}
	if len(quotes) != 2 || len(unmatched) != 0 {
		t.Fatalf("got %d quotes, %d unmatched, want 2/0", len(quotes), len(unmatched))
	}

	aapl := quotes["AAPL"]
	if aapl.Bid != 190.20 || aapl.Ask != 190.30 || aapl.Last != 190.25 {
		t.Errorf("AAPL quote = %+v", aapl)
	}
	if aapl.Source != "tradier" {
		t.Errorf("source = %q, want tradier", aapl.Source)
	}
	// Freshest of the three vendor timestamps (ask_date here).
	if got := aapl.Timestamp.UnixMilli(); got != 1714138801000 {
		t.Errorf("timestamp = %d, want freshest vendor date 1714138801000", got)
	}
}

func TestTradierQuotesSingleObjectAndUnmatched(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"quotes":{
			"quote":{"symbol":"SPY","last":520.5,"bid":520.4,"ask":520.6,"trade_date":1714138800000},
			"unmatched_symbols":{"symbol":"NOPE1"}
		}}`))
	})
	adapter, _ := newTestTradier(t, handler)

	quotes, unmatched, err := adapter.Quotes(context.Background(), []string{"SPY", "NOPE1"})
	if err != nil {
		t.Fatalf("Quotes: %v", err)
	}
	if len(quotes) != 1 {
		t.Fatalf("got %d quotes, want 1 from bare-object payload", len(quotes))
	}
	if len(unmatched) != 1 || unmatched[0] != "NOPE1" {
		t.Fatalf("unmatched = %v, want [NOPE1]", unmatched)
	}
}

func TestTradierQuotesDropsCrossed(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"quotes":{"quote":[
			{"symbol":"GOOD","last":10,"bid":9.9,"ask":10.1,"trade_date":1714138800000},
			{"symbol":"BAD","last":10,"bid":10.5,"ask":10.1,"trade_date":1714138800000}
		]}}`))
	})
	adapter, _ := newTestTradier(t, handler)

	quotes, _, err := adapter.Quotes(context.Background(), []string{"GOOD", "BAD"})
	if err != nil {
		t.Fatalf("Quotes: %v", err)
	}
	if _, ok := quotes["BAD"]; ok {
		t.Fatal("crossed quote must be dropped, not cached or served")
	}
	if _, ok := quotes["GOOD"]; !ok {
		t.Fatal("well-formed quote missing from batch")
	}
}

func TestTradierErrorTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrUpstreamUnavailable},
	}
	for _, tc := range cases {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		adapter, _ := newTestTradier(t, handler)
		_, _, err := adapter.Quotes(context.Background(), []string{"AAPL"})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d -> %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestTradierTimeoutIsUnavailable(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	adapter := NewTradier(config.TradierConfig{
		BaseURL: srv.URL,
		Token:   "t",
		Timeout: 30 * time.Millisecond,
	}, config.BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         time.Minute,
		MaxCooldown:      time.Minute,
		BackoffFactor:    2,
	}, zap.NewNop())

	_, _, err := adapter.Quotes(context.Background(), []string{"AAPL"})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("timeout -> %v, want ErrUpstreamUnavailable", err)
	}
	if adapter.Breaker().Failures() != 1 {
		t.Fatalf("breaker failures = %d, want timeout counted as 1", adapter.Breaker().Failures())
	}
}

func TestTradierOpenBreakerSkipsNetwork(t *testing.T) {
	var calls int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	adapter, _ := newTestTradier(t, handler)

	// Threshold is 2: two failing calls open the breaker.
	for i := 0; i < 2; i++ {
		if _, _, err := adapter.Quotes(context.Background(), []string{"AAPL"}); !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("call %d: %v, want ErrUpstreamUnavailable", i, err)
		}
	}
	if adapter.Breaker().State() != StateOpen {
		t.Fatalf("breaker state = %v, want open", adapter.Breaker().State())
	}
	before := atomic.LoadInt64(&calls)

	for i := 0; i < 5; i++ {
		if _, _, err := adapter.Quotes(context.Background(), []string{"AAPL"}); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call while open: %v, want ErrCircuitOpen", err)
		}
	}
	if after := atomic.LoadInt64(&calls); after != before {
		t.Fatalf("network calls while open = %d, want 0", after-before)
	}
}

func TestTradierOptionChain(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("greeks"); got != "true" {
			t.Errorf("greeks query = %q, want true", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"options":{"option":[
			{"symbol":"SPY240621C00520000","underlying":"SPY","strike":520,"expiration_date":"2024-06-21","option_type":"call","contract_size":100,"bid":12.5,"ask":12.7,"last":12.6,"volume":1500,"open_interest":9000,"greeks":{"delta":0.55,"gamma":0.01,"theta":-0.08,"vega":0.9,"rho":0.4,"mid_iv":0.185}},
			{"symbol":"SPY240621P00520000","underlying":"SPY","strike":520,"expiration_date":"2024-06-21","option_type":"put","contract_size":100,"bid":11.1,"ask":11.3,"last":11.2,"volume":1100,"open_interest":8000,"greeks":{"delta":-0.45,"gamma":0.01,"theta":-0.07,"vega":0.9,"rho":-0.5,"mid_iv":0.19}}
		]}}`))
	})
	adapter, _ := newTestTradier(t, handler)

	entries, err := adapter.OptionChain(context.Background(), "spy", "2024-06-21")
	if err != nil {
		t.Fatalf("OptionChain: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	call := entries[0]
	if call.Contract.UnderlyingSymbol != "SPY" || call.Contract.Strike != 520 {
		t.Errorf("contract = %+v", call.Contract)
	}
	if call.Contract.Right != "call" || entries[1].Contract.Right != "put" {
		t.Errorf("rights = %v/%v, want call/put", call.Contract.Right, entries[1].Contract.Right)
	}
	if call.ImpliedVol != 0.185 {
		t.Errorf("implied vol = %v, want 0.185 from vendor greeks", call.ImpliedVol)
	}
	if got := call.Contract.Expiry.Format("2006-01-02"); got != "2024-06-21" {
		t.Errorf("expiry = %s, want 2024-06-21", got)
	}
}

func TestTradierEmptyChainIsEmptySlice(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"options":null}`))
	})
	adapter, _ := newTestTradier(t, handler)

	entries, err := adapter.OptionChain(context.Background(), "ZZZZ", "2024-06-21")
	if err != nil {
		t.Fatalf("OptionChain: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries for null chain, want 0", len(entries))
	}
}
