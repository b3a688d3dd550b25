package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/pkg/metrics"
	"github.com/marketlens/marketlens/pkg/models"
)

const alpacaName = "alpaca"

// Alpaca is the paper-brokerage adapter. It reports positions and account
// balances for the account tied to the configured key pair.
type Alpaca struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
	breaker *Breaker
	logger  *zap.Logger
}

// NewAlpaca builds the adapter with its own breaker.
func NewAlpaca(cfg config.AlpacaConfig, breakerCfg config.BreakerConfig, logger *zap.Logger) *Alpaca {
	return &Alpaca{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     cfg.Key,
		secret:  cfg.Secret,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker(alpacaName, breakerCfg, logger),
		logger:  logger,
	}
}

func (a *Alpaca) Name() string      { return alpacaName }
func (a *Alpaca) Breaker() *Breaker { return a.breaker }

// Vendor payloads quote all numerics as strings.
type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	AssetClass    string `json:"asset_class"`
}

type alpacaAccount struct {
	ID            string `json:"id"`
	AccountNumber string `json:"account_number"`
	Status        string `json:"status"`
	Currency      string `json:"currency"`
	Cash          string `json:"cash"`
	Equity        string `json:"equity"`
	BuyingPower   string `json:"buying_power"`
}

// Positions fetches open positions. Quantity and average cost come back
// verbatim from the brokerage; market value and Greeks are filled in
// later from cached quotes.
func (a *Alpaca) Positions(ctx context.Context) ([]models.Position, error) {
	if err := a.breaker.Allow(); err != nil {
		return nil, err
	}

	body, err := a.get(ctx, "/v2/positions")
	a.breaker.Observe(err)
	if err != nil {
		return nil, err
	}

	var raws []alpacaPosition
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("%w: decode positions: %v", ErrUnknown, err)
	}

	positions := make([]models.Position, 0, len(raws))
	for _, raw := range raws {
		pos, ok := a.translate(raw)
		if !ok {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// Account fetches the account balance snapshot.
func (a *Alpaca) Account(ctx context.Context) (models.BrokerageAccount, error) {
	if err := a.breaker.Allow(); err != nil {
		return models.BrokerageAccount{}, err
	}

	body, err := a.get(ctx, "/v2/account")
	a.breaker.Observe(err)
	if err != nil {
		return models.BrokerageAccount{}, err
	}

	var raw alpacaAccount
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.BrokerageAccount{}, fmt.Errorf("%w: decode account: %v", ErrUnknown, err)
	}

	equity, err := decimal.NewFromString(raw.Equity)
	if err != nil {
		return models.BrokerageAccount{}, fmt.Errorf("%w: account equity %q: %v", ErrUnknown, raw.Equity, err)
	}
	cash, err := decimal.NewFromString(raw.Cash)
	if err != nil {
		return models.BrokerageAccount{}, fmt.Errorf("%w: account cash %q: %v", ErrUnknown, raw.Cash, err)
	}
	buyingPower, err := decimal.NewFromString(raw.BuyingPower)
	if err != nil {
		return models.BrokerageAccount{}, fmt.Errorf("%w: account buying power %q: %v", ErrUnknown, raw.BuyingPower, err)
	}

	accountID := raw.AccountNumber
	if accountID == "" {
		accountID = raw.ID
	}
	return models.BrokerageAccount{
		AccountID:   accountID,
		Equity:      equity,
		Cash:        cash,
		BuyingPower: buyingPower,
		Currency:    raw.Currency,
		AsOf:        time.Now(),
	}, nil
}

func (a *Alpaca) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnknown, err)
	}
	req.Header.Set("APCA-API-KEY-ID", a.key)
	req.Header.Set("APCA-API-SECRET-KEY", a.secret)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := a.http.Do(req)
	metrics.UpstreamLatency.WithLabelValues(alpacaName).Observe(time.Since(start).Seconds())
	if err != nil {
		err = classifyTransport(err)
		metrics.UpstreamCalls.WithLabelValues(alpacaName, Outcome(err)).Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		metrics.UpstreamCalls.WithLabelValues(alpacaName, Outcome(err)).Inc()
		return nil, fmt.Errorf("%w: %s %s -> %d", err, http.MethodGet, path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = classifyTransport(err)
		metrics.UpstreamCalls.WithLabelValues(alpacaName, Outcome(err)).Inc()
		return nil, err
	}
	metrics.UpstreamCalls.WithLabelValues(alpacaName, "ok").Inc()
	return body, nil
}

// translate converts one brokerage row. Option positions carry their OCC
// symbol, which resolves to the contract identity.
func (a *Alpaca) translate(raw alpacaPosition) (models.Position, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if symbol == "" {
		return models.Position{}, false
	}

	qty, err := decimal.NewFromString(raw.Qty)
	if err != nil {
		a.logger.Warn("skipping position with bad quantity",
			zap.String("symbol", symbol),
			zap.String("qty", raw.Qty))
		return models.Position{}, false
	}
	if raw.Side == "short" && qty.IsPositive() {
		qty = qty.Neg()
	}
	avgCost, err := decimal.NewFromString(raw.AvgEntryPrice)
	if err != nil {
		a.logger.Warn("skipping position with bad avg entry price",
			zap.String("symbol", symbol),
			zap.String("avg_entry_price", raw.AvgEntryPrice))
		return models.Position{}, false
	}

	pos := models.Position{
		Symbol:   symbol,
		Quantity: qty,
		AvgCost:  avgCost,
	}
	if raw.AssetClass == "us_option" {
		contract, err := models.ParseOCC(symbol)
		if err != nil {
			a.logger.Warn("skipping option position with unparseable symbol",
				zap.String("symbol", symbol),
				zap.Error(err))
			return models.Position{}, false
		}
		pos.Contract = &contract
	}
	return pos, true
}
