package models

import (
	"time"
)

// Balance buckets. Buckets never commingle: a transfer moves value inside one
// bucket, and converting between buckets is an explicit ledgered operation.
const (
	BucketPaid   = "paid"
	BucketFree   = "free"
	BucketEscrow = "escrow"
)

// Ledger entry sources.
const (
	SourceGiftSent     = "gift_sent"
	SourceGiftReceived = "gift_received"
	SourceCashback     = "cashback"
	SourcePlatformCut  = "platform_cut"
	SourcePurchase     = "purchase"
	SourcePayout       = "payout"
	SourceRefund       = "refund"
)

// Account is the cached balance row for one user. Balances are mutated only
// inside database transactions that also append matching ledger entries.
type Account struct {
	UserID         string     `json:"user_id" db:"user_id"`
	PaidBalance    int64      `json:"paid_balance" db:"paid_balance"`
	FreeBalance    int64      `json:"free_balance" db:"free_balance"`
	XP             int64      `json:"xp" db:"xp"`
	Level          int        `json:"level" db:"level"`
	TotalGiftSpend int64      `json:"total_gift_spend" db:"total_gift_spend"`
	IsGold         bool       `json:"is_gold" db:"is_gold"`
	RGBExpiresAt   *time.Time `json:"rgb_expires_at" db:"rgb_expires_at"`
	Version        int        `json:"version" db:"version"` // for optimistic locking
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// BalanceFor returns the cached balance for a bucket. Escrow is not cached on
// the account row; it is always derived from the ledger.
func (a *Account) BalanceFor(bucket string) int64 {
	if bucket == BucketFree {
		return a.FreeBalance
	}
	return a.PaidBalance
}

// LedgerEntry is one append-only row in the coin ledger. The per-bucket sum of
// deltas for a user is the authoritative balance; accounts cache the total.
type LedgerEntry struct {
	ID        int64     `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Delta     int64     `json:"delta" db:"delta"` // signed, coin units
	Bucket    string    `json:"bucket" db:"bucket"`
	Source    string    `json:"source" db:"source"`
	RefID     string    `json:"ref_id" db:"ref_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
