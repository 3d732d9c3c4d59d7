package models

import (
	"encoding/json"
	"time"
)

// Credit tier names, derived from score via fixed thresholds.
const (
	TierUntrusted = "Untrusted"
	TierShaky     = "Shaky"
	TierBuilding  = "Building"
	TierReliable  = "Reliable"
	TierTrusted   = "Trusted"
	TierElite     = "Elite"
)

// Score bounds and the seed score for new users.
const (
	CreditScoreMin     = 0
	CreditScoreMax     = 800
	CreditScoreDefault = 400
)

// CreditEvent is one scored behavior. Append-only; the windowed cap check
// scans recent rows per (user, event_type).
type CreditEvent struct {
	ID        int64           `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	EventType string          `json:"event_type" db:"event_type"`
	Delta     int             `json:"delta" db:"delta"`
	EventKey  string          `json:"event_key,omitempty" db:"event_key"`
	Metadata  json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// UserCredit is the per-user credit record. Mutated only by the credit
// scoring engine; lazily created on first event.
type UserCredit struct {
	UserID          string     `json:"user_id" db:"user_id"`
	Score           int        `json:"score" db:"score"`
	Tier            string     `json:"tier" db:"tier"`
	Trend7d         int        `json:"trend_7d" db:"trend_7d"` // -1, 0, or 1
	LoanReliability int        `json:"loan_reliability" db:"loan_reliability"`
	LastEventAt     *time.Time `json:"last_event_at" db:"last_event_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}
