package models

import (
	"time"

	"github.com/google/uuid"
)

// WatchlistEntry is one symbol on a user's watchlist, owned by the settings
// subsystem. This service only reads it.
type WatchlistEntry struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	Symbol    string    `json:"symbol" gorm:"index" validate:"required,uppercase"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName keeps the settings subsystem's table naming.
func (WatchlistEntry) TableName() string { return "watchlist_entries" }

// RiskDefaults are the per-user pricing inputs the settings subsystem owns:
// the risk-free rate and the historical-volatility fallback used when the
// options chain does not supply an implied volatility.
type RiskDefaults struct {
	UserID            uuid.UUID `json:"user_id" gorm:"primaryKey;type:uuid"`
	RiskFreeRate      float64   `json:"risk_free_rate" validate:"gte=0,lte=1"`
	DefaultVolatility float64   `json:"default_volatility" validate:"gt=0,lte=5"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName keeps the settings subsystem's table naming.
func (RiskDefaults) TableName() string { return "risk_defaults" }
