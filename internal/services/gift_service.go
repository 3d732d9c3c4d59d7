package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/trollcity/backend/internal/audit"
	"github.com/trollcity/backend/internal/config"
	"github.com/trollcity/backend/internal/models"
)

// SendGiftRequest is the client payload for one gift send. The idempotency
// key is client-generated and globally unique; retries must reuse it.
type SendGiftRequest struct {
	ReceiverID     string `json:"receiverId" validate:"required"`
	GiftID         string `json:"giftId" validate:"required"`
	Quantity       int    `json:"quantity" validate:"required,min=1,max=999"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required,max=128"`
	StreamID       string `json:"streamId,omitempty"`
}

// GiftResult is returned for both first-time sends and idempotent replays.
// A replay carries the originally recorded cashback and unlock flags.
type GiftResult struct {
	Success          bool   `json:"success"`
	Duplicate        bool   `json:"duplicate,omitempty"`
	TransactionID    string `json:"transactionId"`
	TotalCost        int64  `json:"totalCost"`
	NewSenderBalance int64  `json:"newSenderBalance"`
	Cashback         int64  `json:"cashback"`
	RGBAwarded       bool   `json:"rgbAwarded,omitempty"`
	GoldAwarded      bool   `json:"goldAwarded,omitempty"`
}

// GiftService orchestrates gift transfers: funds check, ledger writes,
// balance updates, cashback, cosmetic unlocks and the downstream reward
// events. The transfer itself is one serializable database transaction;
// everything after commit is best-effort.
type GiftService struct {
	db        *sql.DB
	wallet    *WalletService
	catalog   *CatalogService
	credit    *CreditService
	badges    *BadgeService
	xp        *XPService
	broadcast *BroadcastService
	audit     *audit.Logger
	cfg       *config.EconomyConfig
	validator *ValidationHelper

	// drawCashback is the tunable cashback distribution. The default draws
	// uniformly in [0, total*CashbackMaxBps/10000]; it never exceeds total.
	drawCashback func(total int64) int64
}

func NewGiftService(db *sql.DB, wallet *WalletService, catalog *CatalogService, credit *CreditService,
	badges *BadgeService, xp *XPService, broadcast *BroadcastService, cfg *config.EconomyConfig) *GiftService {
	s := &GiftService{
		db:        db,
		wallet:    wallet,
		catalog:   catalog,
		credit:    credit,
		badges:    badges,
		xp:        xp,
		broadcast: broadcast,
		audit:     audit.NewLogger(),
		cfg:       cfg,
		validator: NewValidationHelper(),
	}
	s.drawCashback = s.defaultCashback
	return s
}

func (s *GiftService) defaultCashback(total int64) int64 {
	max := total * int64(s.cfg.CashbackMaxBps) / 10000
	if max <= 0 {
		return 0
	}
	v := rand.Int63n(max + 1)
	if v > total {
		v = total
	}
	return v
}

// Send performs one gift transfer. All-or-nothing up to the transaction
// commit; returns the previously recorded result without re-debiting when the
// idempotency key has been seen before.
func (s *GiftService) Send(ctx context.Context, senderID string, req SendGiftRequest) (*GiftResult, error) {
	if senderID == req.ReceiverID {
		return nil, ErrSelfGift
	}
	if req.Quantity < 1 {
		return nil, errors.New("quantity must be at least 1")
	}

	gift, err := s.catalog.GetGift(ctx, req.GiftID)
	if err != nil {
		return nil, err
	}

	// Fast path for retries: an existing transaction row is the recorded
	// result. The unique index on idempotency_key below is the real guard.
	if prior, err := s.fetchTransactionByKey(ctx, req.IdempotencyKey); err == nil {
		return s.replayResult(ctx, prior, gift.Bucket)
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	totalCost := gift.CoinCost * int64(req.Quantity)
	txID := uuid.NewString()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	sender, receiver, err := s.wallet.lockAccountPair(dbTx, senderID, req.ReceiverID)
	if err != nil {
		return nil, err
	}

	// Re-verify inside the locked scope; the caller's balance read is stale
	// the moment a concurrent spend commits.
	if sender.BalanceFor(gift.Bucket) < totalCost {
		return nil, ErrInsufficientFunds
	}

	platformCut := totalCost * int64(s.cfg.PlatformCutBps) / 10000
	payout := totalCost - platformCut

	cashback := int64(0)
	if gift.Bucket == models.BucketPaid {
		cashback = s.drawCashback(totalCost)
	}

	if err := s.wallet.appendLedgerEntry(dbTx, senderID, -totalCost, gift.Bucket, models.SourceGiftSent, txID); err != nil {
		return nil, err
	}
	if err := s.wallet.appendLedgerEntry(dbTx, req.ReceiverID, payout, gift.Bucket, models.SourceGiftReceived, txID); err != nil {
		return nil, err
	}
	if platformCut > 0 {
		// The fee account has no cached balance row; its balance is derived
		// from the ledger when needed.
		if err := s.wallet.appendLedgerEntry(dbTx, s.cfg.PlatformFeeAccount, platformCut, gift.Bucket, models.SourcePlatformCut, txID); err != nil {
			return nil, err
		}
	}
	if cashback > 0 {
		if err := s.wallet.appendLedgerEntry(dbTx, senderID, cashback, gift.Bucket, models.SourceCashback, txID); err != nil {
			return nil, err
		}
	}

	newSenderPaid, newSenderFree := sender.PaidBalance, sender.FreeBalance
	if gift.Bucket == models.BucketFree {
		newSenderFree = newSenderFree - totalCost + cashback
	} else {
		newSenderPaid = newSenderPaid - totalCost + cashback
	}
	if err := s.wallet.updateBalances(dbTx, sender, newSenderPaid, newSenderFree); err != nil {
		return nil, err
	}

	newReceiverPaid, newReceiverFree := receiver.PaidBalance, receiver.FreeBalance
	if gift.Bucket == models.BucketFree {
		newReceiverFree += payout
	} else {
		newReceiverPaid += payout
	}
	if err := s.wallet.updateBalances(dbTx, receiver, newReceiverPaid, newReceiverFree); err != nil {
		return nil, err
	}

	rgbAwarded, goldAwarded, err := s.applyUnlocks(dbTx, sender, gift.Bucket, totalCost)
	if err != nil {
		return nil, err
	}

	_, err = dbTx.Exec(`
		INSERT INTO gift_transactions
		(id, idempotency_key, sender_id, receiver_id, gift_id, quantity, unit_cost, total_cost, cashback, stream_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		txID, req.IdempotencyKey, senderID, req.ReceiverID, gift.ID, req.Quantity,
		gift.CoinCost, totalCost, cashback, req.StreamID, time.Now())
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Lost the race against a concurrent retry with the same key.
			// The winner's row is the recorded result.
			dbTx.Rollback()
			prior, fetchErr := s.fetchTransactionByKey(ctx, req.IdempotencyKey)
			if fetchErr != nil {
				return nil, fetchErr
			}
			log.Printf("[GIFT] Duplicate idempotency key %s, returning prior result", req.IdempotencyKey)
			return s.replayResult(ctx, prior, gift.Bucket)
		}
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		s.audit.LogError(txID, senderID, err)
		return nil, err
	}

	s.audit.LogTransfer(txID, senderID, req.ReceiverID, totalCost, "SUCCESS")

	newBalance := newSenderPaid
	if gift.Bucket == models.BucketFree {
		newBalance = newSenderFree
	}

	// Derived rewards and notifications run after the commit and never roll
	// the transfer back.
	go s.afterTransfer(senderID, req.ReceiverID, gift, req.Quantity, totalCost, txID, req.StreamID)

	return &GiftResult{
		Success:          true,
		TransactionID:    txID,
		TotalCost:        totalCost,
		NewSenderBalance: newBalance,
		Cashback:         cashback,
		RGBAwarded:       rgbAwarded,
		GoldAwarded:      goldAwarded,
	}, nil
}

// applyUnlocks evaluates the cosmetic unlock thresholds against this gift and
// the sender's cumulative spend. Flags on the account row, not ledger entries.
func (s *GiftService) applyUnlocks(dbTx *sql.Tx, sender *models.Account, bucket string, totalCost int64) (rgbAwarded, goldAwarded bool, err error) {
	if bucket != models.BucketPaid {
		return false, false, nil
	}

	newSpend := sender.TotalGiftSpend + totalCost
	now := time.Now()

	var rgbExpiry *time.Time
	if totalCost >= s.cfg.RGBGiftThreshold {
		expiry := now.Add(s.cfg.RGBDuration)
		rgbExpiry = &expiry
		rgbAwarded = sender.RGBExpiresAt == nil || sender.RGBExpiresAt.Before(now)
	} else {
		rgbExpiry = sender.RGBExpiresAt
	}

	isGold := sender.IsGold
	if !isGold && newSpend >= s.cfg.GoldSpendThreshold {
		isGold = true
		goldAwarded = true
	}

	_, err = dbTx.Exec(`
		UPDATE accounts
		SET total_gift_spend = $1, is_gold = $2, rgb_expires_at = $3, updated_at = $4
		WHERE user_id = $5`,
		newSpend, isGold, rgbExpiry, now, sender.UserID)
	return rgbAwarded, goldAwarded, err
}

func (s *GiftService) fetchTransactionByKey(ctx context.Context, key string) (*models.GiftTransaction, error) {
	var tx models.GiftTransaction
	err := s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, sender_id, receiver_id, gift_id, quantity, unit_cost, total_cost, cashback, stream_id, created_at
		FROM gift_transactions
		WHERE idempotency_key = $1`, key).Scan(
		&tx.ID, &tx.IdempotencyKey, &tx.SenderID, &tx.ReceiverID, &tx.GiftID,
		&tx.Quantity, &tx.UnitCost, &tx.TotalCost, &tx.Cashback, &tx.StreamID, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// replayResult rebuilds the response for an idempotent replay from the
// recorded transaction row and the sender's current balance.
func (s *GiftService) replayResult(ctx context.Context, prior *models.GiftTransaction, bucket string) (*GiftResult, error) {
	paid, free, err := s.wallet.GetBalances(ctx, prior.SenderID)
	if err != nil {
		return nil, err
	}
	balance := paid
	if bucket == models.BucketFree {
		balance = free
	}
	return &GiftResult{
		Success:          true,
		Duplicate:        true,
		TransactionID:    prior.ID,
		TotalCost:        prior.TotalCost,
		NewSenderBalance: balance,
		Cashback:         prior.Cashback,
	}, nil
}

// afterTransfer fans the committed transfer out to the reward engines and the
// realtime layer. Every consumer here is idempotent against redelivery, and
// every failure is logged and swallowed.
func (s *GiftService) afterTransfer(senderID, receiverID string, gift *models.Gift, quantity int, totalCost int64, txID, streamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := s.credit.RecordEvent(ctx, CreditEventRequest{
		UserID:    senderID,
		EventType: "gift_action",
		EventKey:  "gift_action:" + txID,
	}); err != nil {
		log.Printf("[GIFT] Credit event failed for tx %s: %v", txID, err)
	}

	meta, err := s.giftAggregates(ctx, senderID)
	if err != nil {
		log.Printf("[GIFT] Gift aggregates failed for %s: %v", senderID, err)
	} else {
		if _, err := s.badges.EvaluateForEvent(ctx, "gift_sent", senderID, meta); err != nil {
			log.Printf("[GIFT] Badge evaluation failed for tx %s: %v", txID, err)
		}
	}

	s.xp.ProcessGiftXP(ctx, senderID, receiverID, totalCost)

	payload := GiftBroadcast{
		TransactionID: txID,
		SenderID:      senderID,
		ReceiverID:    receiverID,
		GiftSlug:      gift.Slug,
		GiftName:      gift.Name,
		Amount:        totalCost,
		Quantity:      quantity,
		Timestamp:     time.Now().Unix(),
	}
	s.broadcast.PublishGift(ctx, streamID, payload)
	if totalCost >= s.cfg.AnnouncementThreshold {
		s.broadcast.QueueAnnouncement(ctx, payload)
	}
}

// giftAggregates computes the sender's lifetime gifting counters for the
// badge rules. The badge engine itself never recomputes these.
func (s *GiftService) giftAggregates(ctx context.Context, senderID string) (EventMetadata, error) {
	var meta EventMetadata
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_cost), 0), COUNT(DISTINCT receiver_id)
		FROM gift_transactions
		WHERE sender_id = $1`, senderID).Scan(
		&meta.TotalGifts, &meta.TotalGiftAmount, &meta.UniqueRecipients)
	return meta, err
}

// SendGift handles a gift send request
// @Summary Send a gift
// @Description Atomically transfer coins from the authenticated sender to a receiver, with cashback and unlocks
// @Tags gifts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SendGiftRequest true "Gift send request"
// @Success 200 {object} GiftResult
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse "Insufficient funds"
// @Failure 404 {object} ErrorResponse
// @Router /gifts/send [post]
func (s *GiftService) SendGift(w http.ResponseWriter, r *http.Request) {
	senderID, ok := r.Context().Value("userID").(string)
	if !ok || senderID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req SendGiftRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.Send(r.Context(), senderID, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrSelfGift):
			SendErrorResponse(w, "You cannot send a gift to yourself", http.StatusBadRequest, nil)
		case errors.Is(err, ErrInsufficientFunds):
			SendErrorResponse(w, "Not enough coins", http.StatusPaymentRequired, nil)
		case errors.Is(err, ErrNotFound):
			SendErrorResponse(w, "Gift or account not found", http.StatusNotFound, nil)
		default:
			log.Printf("[GIFT] Send failed for %s: %v", senderID, err)
			SendErrorResponse(w, "Failed to send gift", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetTransaction retrieves one gift transaction
// @Summary Get gift transaction
// @Description Retrieve a gift transaction by id; only the sender or receiver may read it
// @Tags gifts
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.GiftTransaction
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /gifts/transactions/{txId} [get]
func (s *GiftService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txID := chi.URLParam(r, "txId")

	var tx models.GiftTransaction
	err := s.db.QueryRowContext(r.Context(), `
		SELECT id, idempotency_key, sender_id, receiver_id, gift_id, quantity, unit_cost, total_cost, cashback, stream_id, created_at
		FROM gift_transactions
		WHERE id = $1 AND (sender_id = $2 OR receiver_id = $2)`, txID, userID).Scan(
		&tx.ID, &tx.IdempotencyKey, &tx.SenderID, &tx.ReceiverID, &tx.GiftID,
		&tx.Quantity, &tx.UnitCost, &tx.TotalCost, &tx.Cashback, &tx.StreamID, &tx.CreatedAt)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[GIFT] Failed to fetch transaction %s: %v", txID, err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}
