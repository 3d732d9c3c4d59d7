package models

import (
	"encoding/json"
	"time"
)

// Badge is one entry in the static badge catalog.
type Badge struct {
	ID       int    `json:"id" db:"id"`
	Slug     string `json:"slug" db:"slug"`
	Name     string `json:"name" db:"name"`
	IsActive bool   `json:"is_active" db:"is_active"`
}

// UserBadgeGrant records one badge earned by one user. The table carries a
// unique constraint on (user_id, badge_id): a badge is granted at most once.
type UserBadgeGrant struct {
	ID       int64           `json:"id" db:"id"`
	UserID   string          `json:"user_id" db:"user_id"`
	BadgeID  int             `json:"badge_id" db:"badge_id"`
	Metadata json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	EarnedAt time.Time       `json:"earned_at" db:"earned_at"`
}

// HallOfFameEntry is a permanent record of a single gift of at least the
// hall-of-fame threshold. Independent of leveling.
type HallOfFameEntry struct {
	ID         int64     `json:"id" db:"id"`
	SenderID   string    `json:"sender_id" db:"sender_id"`
	ReceiverID string    `json:"receiver_id" db:"receiver_id"`
	Amount     int64     `json:"amount" db:"amount"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
