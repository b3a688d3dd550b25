package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/marketlens/marketlens/internal/upstream"
	"github.com/marketlens/marketlens/pkg/models"
)

const maxQuoteSymbols = 100

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// readyz fails while the quote path is down: not started, stopped, or
// halted by a rejected vendor credential. A brokerage-side fatal leaves
// the service ready but degraded; it shows up in /api/v1/status.
func (s *Server) readyz(c *gin.Context) {
	health := s.deps.Scheduler.Health()
	if !health.Running || health.QuoteAuthFatal {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unavailable",
			"scheduler": health,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) status(c *gin.Context) {
	adapters := make([]upstream.Snapshot, 0, len(s.deps.Adapters))
	for _, a := range s.deps.Adapters {
		adapters = append(adapters, a.Breaker().Describe())
	}
	c.JSON(http.StatusOK, gin.H{
		"time":      time.Now().UTC(),
		"scheduler": s.deps.Scheduler.Health(),
		"stream":    s.deps.Hub.Stats(),
		"adapters":  adapters,
	})
}

// quoteEntry is one row of a quotes response. A symbol with no usable
// cached value renders unavailable with no numbers at all.
type quoteEntry struct {
	Symbol      string        `json:"symbol"`
	Quote       *models.Quote `json:"quote,omitempty"`
	Freshness   string        `json:"freshness,omitempty"`
	Unavailable bool          `json:"unavailable,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

func (s *Server) getQuotes(c *gin.Context) {
	raw := c.Query("symbols")
	if strings.TrimSpace(raw) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbols query parameter required"})
		return
	}

	var symbols []string
	for _, part := range strings.Split(raw, ",") {
		if symbol := normalizeSymbol(part); symbol != "" {
			symbols = append(symbols, symbol)
		}
	}
	if len(symbols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no symbols given"})
		return
	}
	if len(symbols) > maxQuoteSymbols {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many symbols", "max": maxQuoteSymbols})
		return
	}

	entries := make([]quoteEntry, 0, len(symbols))
	for _, symbol := range symbols {
		quote, freshness := s.deps.Quotes.Get(symbol)
		if freshness == models.FreshnessMissing {
			reason := "no_data"
			if s.deps.Quotes.NegativeHit(symbol) {
				reason = "unknown_symbol"
			}
			entries = append(entries, quoteEntry{Symbol: symbol, Unavailable: true, Reason: reason})
			continue
		}
		entries = append(entries, quoteEntry{
			Symbol:    symbol,
			Quote:     &quote,
			Freshness: freshness.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"quotes": entries})
}

func (s *Server) getPositions(c *gin.Context) {
	positions := s.deps.Portfolio.Positions()
	resp := gin.H{
		"positions": positions,
		"count":     len(positions),
	}
	at, err := s.deps.Portfolio.LastRefresh()
	if !at.IsZero() {
		resp["last_refresh"] = at
	}
	if err != nil {
		resp["last_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getPortfolio(c *gin.Context) {
	resp := gin.H{"summary": s.deps.Portfolio.Summary()}
	at, err := s.deps.Portfolio.LastRefresh()
	if !at.IsZero() {
		resp["last_refresh"] = at
	}
	if err != nil {
		resp["last_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getWatchlist(c *gin.Context) {
	subject := c.GetString("subject")
	userID, err := uuid.Parse(subject)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token subject is not a user id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":    userID,
		"symbols": s.deps.Settings.Watchlist(userID),
	})
}

type subscriptionRequest struct {
	ClientID string   `json:"client_id" binding:"required"`
	Symbols  []string `json:"symbols" binding:"required,min=1,dive,required"`
}

// createSubscriptions is the REST control channel: it validates the
// client id against live stream connections and every symbol against
// the known universe before touching the registry, so a typo cannot
// poison the polling working set.
func (s *Server) createSubscriptions(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !s.deps.Hub.Connected(req.ClientID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown client id"})
		return
	}

	symbols := make([]string, 0, len(req.Symbols))
	for _, raw := range req.Symbols {
		symbol := normalizeSymbol(raw)
		if symbol == "" {
			continue
		}
		if !s.deps.Settings.KnownSymbol(symbol) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":       "unknown symbol",
				"symbol":      symbol,
				"suggestions": s.deps.Settings.Suggest(symbol, 3),
			})
			return
		}
		symbols = append(symbols, symbol)
	}

	for _, symbol := range symbols {
		s.deps.Registry.Subscribe(req.ClientID, symbol)
	}
	c.JSON(http.StatusOK, gin.H{
		"client_id":  req.ClientID,
		"subscribed": symbols,
	})
}

func (s *Server) deleteSubscriptions(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	symbols := make([]string, 0, len(req.Symbols))
	for _, raw := range req.Symbols {
		if symbol := normalizeSymbol(raw); symbol != "" {
			s.deps.Registry.Unsubscribe(req.ClientID, symbol)
			symbols = append(symbols, symbol)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"client_id":    req.ClientID,
		"unsubscribed": symbols,
	})
}

func (s *Server) stream(c *gin.Context) {
	s.deps.Hub.ServeWS(c.Writer, c.Request)
}
