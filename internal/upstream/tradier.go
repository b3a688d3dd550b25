package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/pkg/metrics"
	"github.com/marketlens/marketlens/pkg/models"
)

const tradierName = "tradier"

// Tradier is the market-data adapter. One HTTP round trip per batch, no
// retries; the scheduler retries on its next cycle if the breaker allows.
type Tradier struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *Breaker
	logger  *zap.Logger
}

// NewTradier builds the adapter with its own breaker.
func NewTradier(cfg config.TradierConfig, breakerCfg config.BreakerConfig, logger *zap.Logger) *Tradier {
	return &Tradier{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker(tradierName, breakerCfg, logger),
		logger:  logger,
	}
}

func (t *Tradier) Name() string      { return tradierName }
func (t *Tradier) Breaker() *Breaker { return t.breaker }

// Vendor payload shapes. A single-element result arrives as a bare
// object instead of an array, so list fields decode through RawMessage.
type tradierQuote struct {
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	Last      float64 `json:"last"`
	Change    float64 `json:"change"`
	Volume    int64   `json:"volume"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	BidSize   int64   `json:"bidsize"`
	AskSize   int64   `json:"asksize"`
	BidDate   int64   `json:"bid_date"`
	AskDate   int64   `json:"ask_date"`
	TradeDate int64   `json:"trade_date"`
	PrevClose float64 `json:"prevclose"`
}

type tradierQuotesEnvelope struct {
	Quotes struct {
		Quote            json.RawMessage `json:"quote"`
		UnmatchedSymbols struct {
			Symbol json.RawMessage `json:"symbol"`
		} `json:"unmatched_symbols"`
	} `json:"quotes"`
}

type tradierGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
	MidIV float64 `json:"mid_iv"`
}

type tradierOption struct {
	Symbol         string         `json:"symbol"`
	Underlying     string         `json:"underlying"`
	Strike         float64        `json:"strike"`
	ExpirationDate string         `json:"expiration_date"`
	OptionType     string         `json:"option_type"`
	ContractSize   int            `json:"contract_size"`
	Bid            float64        `json:"bid"`
	Ask            float64        `json:"ask"`
	Last           float64        `json:"last"`
	Volume         int64          `json:"volume"`
	OpenInterest   int64          `json:"open_interest"`
	Greeks         *tradierGreeks `json:"greeks"`
}

type tradierChainEnvelope struct {
	Options struct {
		Option json.RawMessage `json:"option"`
	} `json:"options"`
}

// Quotes fetches a batch of quotes in one vendor call.
func (t *Tradier) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, []string, error) {
	if len(symbols) == 0 {
		return map[string]models.Quote{}, nil, nil
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, nil, err
	}

	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	q.Set("greeks", "false")

	body, err := t.get(ctx, "/v1/markets/quotes", q)
	t.breaker.Observe(err)
	if err != nil {
		return nil, nil, err
	}

	var envelope tradierQuotesEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, nil, fmt.Errorf("%w: decode quotes: %v", ErrUnknown, err)
	}

	raws, err := decodeOneOrMany[tradierQuote](envelope.Quotes.Quote)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode quotes: %v", ErrUnknown, err)
	}
	unmatched, err := decodeOneOrMany[string](envelope.Quotes.UnmatchedSymbols.Symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode unmatched symbols: %v", ErrUnknown, err)
	}

	quotes := make(map[string]models.Quote, len(raws))
	for _, raw := range raws {
		quote, ok := t.translate(raw)
		if !ok {
			continue
		}
		quotes[quote.Symbol] = quote
	}
	for i, s := range unmatched {
		unmatched[i] = strings.ToUpper(s)
	}
	return quotes, unmatched, nil
}

// OptionChain fetches the chain for one underlying and expiration with
// vendor greeks enabled.
func (t *Tradier) OptionChain(ctx context.Context, underlying, expiration string) ([]models.ChainEntry, error) {
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(underlying))
	q.Set("expiration", expiration)
	q.Set("greeks", "true")

	body, err := t.get(ctx, "/v1/markets/options/chains", q)
	t.breaker.Observe(err)
	if err != nil {
		return nil, err
	}

	var envelope tradierChainEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode chain: %v", ErrUnknown, err)
	}
	raws, err := decodeOneOrMany[tradierOption](envelope.Options.Option)
	if err != nil {
		return nil, fmt.Errorf("%w: decode chain: %v", ErrUnknown, err)
	}

	entries := make([]models.ChainEntry, 0, len(raws))
	for _, raw := range raws {
		entry, ok := t.translateOption(raw)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// get performs one authenticated GET and classifies the outcome.
func (t *Tradier) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnknown, err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := t.http.Do(req)
	metrics.UpstreamLatency.WithLabelValues(tradierName).Observe(time.Since(start).Seconds())
	if err != nil {
		err = classifyTransport(err)
		metrics.UpstreamCalls.WithLabelValues(tradierName, Outcome(err)).Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		metrics.UpstreamCalls.WithLabelValues(tradierName, Outcome(err)).Inc()
		return nil, fmt.Errorf("%w: %s %s -> %d", err, http.MethodGet, path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = classifyTransport(err)
		metrics.UpstreamCalls.WithLabelValues(tradierName, Outcome(err)).Inc()
		return nil, err
	}
	metrics.UpstreamCalls.WithLabelValues(tradierName, "ok").Inc()
	return body, nil
}

// translate converts a vendor quote, dropping rows that fail sanity
// checks. A crossed book from the vendor is bad data, not a price.
func (t *Tradier) translate(raw tradierQuote) (models.Quote, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if symbol == "" {
		return models.Quote{}, false
	}
	if raw.Bid < 0 || raw.Ask < 0 || raw.Last < 0 {
		metrics.QuotesRejected.WithLabelValues("negative_price").Inc()
		return models.Quote{}, false
	}

	quote := models.Quote{
		Symbol:    symbol,
		Bid:       raw.Bid,
		Ask:       raw.Ask,
		Last:      raw.Last,
		BidSize:   int(raw.BidSize),
		AskSize:   int(raw.AskSize),
		Volume:    raw.Volume,
		PrevClose: raw.PrevClose,
		Change:    raw.Change,
		Timestamp: quoteTime(raw),
		Source:    tradierName,
	}
	if quote.Crossed() {
		metrics.QuotesRejected.WithLabelValues("crossed").Inc()
		t.logger.Debug("dropping crossed quote",
			zap.String("symbol", symbol),
			zap.Float64("bid", raw.Bid),
			zap.Float64("ask", raw.Ask))
		return models.Quote{}, false
	}
	return quote, true
}

func (t *Tradier) translateOption(raw tradierOption) (models.ChainEntry, bool) {
	right := models.OptionRight(strings.ToLower(raw.OptionType))
	if !right.Valid() {
		return models.ChainEntry{}, false
	}
	expiry, err := time.ParseInLocation("2006-01-02", raw.ExpirationDate, time.UTC)
	if err != nil {
		return models.ChainEntry{}, false
	}
	entry := models.ChainEntry{
		Contract: models.OptionContract{
			UnderlyingSymbol: strings.ToUpper(raw.Underlying),
			Strike:           raw.Strike,
			Expiry:           expiry,
			Right:            right,
			Multiplier:       raw.ContractSize,
			OCCSymbol:        strings.ToUpper(raw.Symbol),
		},
		Bid:          raw.Bid,
		Ask:          raw.Ask,
		Last:         raw.Last,
		Volume:       raw.Volume,
		OpenInterest: raw.OpenInterest,
	}
	if raw.Greeks != nil {
		entry.ImpliedVol = raw.Greeks.MidIV
	}
	return entry, true
}

// quoteTime picks the freshest vendor timestamp (epoch millis); falls
// back to receipt time when the vendor omits them all.
func quoteTime(raw tradierQuote) time.Time {
	latest := raw.TradeDate
	if raw.BidDate > latest {
		latest = raw.BidDate
	}
	if raw.AskDate > latest {
		latest = raw.AskDate
	}
	if latest <= 0 {
		return time.Now()
	}
	return time.UnixMilli(latest)
}

// decodeOneOrMany accepts either a JSON array of T or a single bare T.
func decodeOneOrMany[T any](raw json.RawMessage) ([]T, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var many []T
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}
