// Package settings reads the watchlist and risk-default tables owned by
// the settings subsystem. The store keeps an in-memory snapshot that is
// refreshed on a slow cadence, so quote-path reads never touch the
// database.
package settings

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/pkg/models"
)

// Pricing fallbacks when no risk-defaults row exists yet.
const (
	fallbackRiskFreeRate = 0.05
	fallbackVolatility   = 0.20
)

// suggestCutoff is the largest edit distance still offered as a
// did-you-mean candidate.
const suggestCutoff = 2

// Store is the read-only view over the settings database.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	mu        sync.RWMutex
	watchlist map[uuid.UUID][]string
	universe  map[string]struct{}
	risk      models.RiskDefaults
	hasRisk   bool
	loadedAt  time.Time
}

// Open connects to the configured settings database.
func Open(cfg config.SettingsConfig, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown settings driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}
	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an existing connection. Tests use it with in-memory
// sqlite.
func NewWithDB(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:        db,
		logger:    logger,
		watchlist: make(map[uuid.UUID][]string),
		universe:  make(map[string]struct{}),
	}
}

// AutoMigrate creates the settings tables. Local development and tests
// only; the production schema is owned by the settings subsystem.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&models.WatchlistEntry{}, &models.RiskDefaults{})
}

// Load refreshes the in-memory snapshot from the database.
func (s *Store) Load(ctx context.Context) error {
	var entries []models.WatchlistEntry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return fmt.Errorf("load watchlists: %w", err)
	}
	var risks []models.RiskDefaults
	if err := s.db.WithContext(ctx).Order("updated_at desc").Limit(1).Find(&risks).Error; err != nil {
		return fmt.Errorf("load risk defaults: %w", err)
	}

	watchlist := make(map[uuid.UUID][]string)
	universe := make(map[string]struct{})
	for _, e := range entries {
		sym := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if sym == "" {
			continue
		}
		watchlist[e.UserID] = append(watchlist[e.UserID], sym)
		universe[sym] = struct{}{}
	}
	for _, symbols := range watchlist {
		sort.Strings(symbols)
	}

	s.mu.Lock()
	s.watchlist = watchlist
	s.universe = universe
	if len(risks) > 0 {
		s.risk = risks[0]
		s.hasRisk = true
	}
	s.loadedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("settings loaded",
		zap.Int("watchlist_entries", len(entries)),
		zap.Int("symbols", len(universe)),
		zap.Bool("risk_defaults", len(risks) > 0))
	return nil
}

// Watchlist returns the user's symbols, sorted.
func (s *Store) Watchlist(userID uuid.UUID) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	symbols := s.watchlist[userID]
	out := make([]string, len(symbols))
	copy(out, symbols)
	return out
}

// Universe returns every symbol on any watchlist, sorted.
func (s *Store) Universe() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.universe))
	for sym := range s.universe {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// KnownSymbol reports whether any watchlist carries the symbol.
func (s *Store) KnownSymbol(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.universe[strings.ToUpper(strings.TrimSpace(symbol))]
	return ok
}

// Suggest returns up to max known symbols within a small edit distance
// of the given one, closest first.
func (s *Store) Suggest(symbol string, max int) []string {
	needle := strings.ToUpper(strings.TrimSpace(symbol))
	if needle == "" || max <= 0 {
		return nil
	}

	type candidate struct {
		symbol   string
		distance int
	}
	s.mu.RLock()
	candidates := make([]candidate, 0, 8)
	for sym := range s.universe {
		if d := levenshtein.ComputeDistance(needle, sym); d <= suggestCutoff {
			candidates = append(candidates, candidate{symbol: sym, distance: d})
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].symbol < candidates[j].symbol
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.symbol
	}
	return out
}

// RiskFreeRate returns the configured annualized risk-free rate.
func (s *Store) RiskFreeRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hasRisk {
		return s.risk.RiskFreeRate
	}
	return fallbackRiskFreeRate
}

// DefaultVolatility returns the volatility used when a chain supplies
// no implied volatility.
func (s *Store) DefaultVolatility() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hasRisk && s.risk.DefaultVolatility > 0 {
		return s.risk.DefaultVolatility
	}
	return fallbackVolatility
}

// LoadedAt reports when the snapshot was last refreshed.
func (s *Store) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
