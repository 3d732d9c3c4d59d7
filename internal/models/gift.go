package models

import (
	"time"
)

// Gift is one catalog item. The catalog is owned by the content team and is
// read-only to the economy core; rows are immutable per version.
type Gift struct {
	ID       string `json:"id" db:"id"`
	Slug     string `json:"slug" db:"slug"`
	Name     string `json:"name" db:"name"`
	CoinCost int64  `json:"coin_cost" db:"coin_cost"`
	Bucket   string `json:"bucket" db:"bucket"` // which balance bucket pays for it
	Category string `json:"category" db:"category"`
	IsActive bool   `json:"is_active" db:"is_active"`
}

// GiftTransaction is the durable proof that a gift transfer happened exactly
// once for a given idempotency key. Never mutated after creation.
type GiftTransaction struct {
	ID             string    `json:"id" db:"id"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	SenderID       string    `json:"sender_id" db:"sender_id"`
	ReceiverID     string    `json:"receiver_id" db:"receiver_id"`
	GiftID         string    `json:"gift_id" db:"gift_id"`
	Quantity       int       `json:"quantity" db:"quantity"`
	UnitCost       int64     `json:"unit_cost" db:"unit_cost"`
	TotalCost      int64     `json:"total_cost" db:"total_cost"`
	Cashback       int64     `json:"cashback" db:"cashback"`
	StreamID       string    `json:"stream_id" db:"stream_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// CoinPurchase records one settled coin purchase from a payment provider.
// source_ref carries the provider's capture id and is unique, which makes the
// settlement webhook safe to replay.
type CoinPurchase struct {
	ID        int64     `json:"id" db:"id"`
	SourceRef string    `json:"source_ref" db:"source_ref"`
	UserID    string    `json:"user_id" db:"user_id"`
	Coins     int64     `json:"coins" db:"coins"`
	Bucket    string    `json:"bucket" db:"bucket"`
	Provider  string    `json:"provider" db:"provider"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
