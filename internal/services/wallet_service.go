package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/spf13/viper"
	"github.com/trollcity/backend/internal/audit"
	"github.com/trollcity/backend/internal/config"
	"github.com/trollcity/backend/internal/models"
)

// WalletService owns the balance store and the coin ledger. Every balance
// mutation goes through appendLedgerEntry + updateBalances inside one database
// transaction; the account row is a cache over the ledger.
type WalletService struct {
	db         *sql.DB
	audit      *audit.Logger
	feeAccount string
	validator  *ValidationHelper
}

func NewWalletService(db *sql.DB, cfg *config.EconomyConfig) *WalletService {
	return &WalletService{
		db:         db,
		audit:      audit.NewLogger(),
		feeAccount: cfg.PlatformFeeAccount,
		validator:  NewValidationHelper(),
	}
}

// lockAccount takes a row lock on one account for the duration of the
// enclosing transaction.
func (s *WalletService) lockAccount(tx *sql.Tx, userID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT user_id, paid_balance, free_balance, xp, level, total_gift_spend, is_gold, rgb_expires_at, version, updated_at
		FROM accounts
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(
		&account.UserID, &account.PaidBalance, &account.FreeBalance, &account.XP,
		&account.Level, &account.TotalGiftSpend, &account.IsGold, &account.RGBExpiresAt,
		&account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// lockAccountPair locks two accounts in consistent key order to prevent
// deadlocks between concurrent transfers.
func (s *WalletService) lockAccountPair(tx *sql.Tx, firstID, secondID string) (*models.Account, *models.Account, error) {
	firstLock, secondLock := firstID, secondID
	if firstID > secondID {
		firstLock, secondLock = secondID, firstID
	}

	a, err := s.lockAccount(tx, firstLock)
	if err != nil {
		return nil, nil, err
	}

	b, err := s.lockAccount(tx, secondLock)
	if err != nil {
		return nil, nil, err
	}

	if firstLock != firstID {
		a, b = b, a
	}
	return a, b, nil
}

func (s *WalletService) appendLedgerEntry(tx *sql.Tx, userID string, delta int64, bucket, source, refID string) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_entries (user_id, delta, bucket, source, ref_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, delta, bucket, source, refID, time.Now())
	return err
}

// updateBalances writes new cached balances with an optimistic version check.
// The row is already locked FOR UPDATE, so a version miss means a programming
// error rather than a lost race.
func (s *WalletService) updateBalances(tx *sql.Tx, account *models.Account, newPaid, newFree int64) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET paid_balance = $1, free_balance = $2, version = version + 1, updated_at = $3
		WHERE user_id = $4 AND version = $5`,
		newPaid, newFree, time.Now(), account.UserID, account.Version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", account.UserID)
	}
	return nil
}

// CreditPurchasedCoins settles a completed coin purchase reported by a payment
// provider. Idempotent on sourceRef: the coin_purchases table has a unique
// constraint on source_ref, and a duplicate delivery returns the original row.
func (s *WalletService) CreditPurchasedCoins(ctx context.Context, userID string, coins int64, bucket, sourceRef, provider string) (*models.CoinPurchase, bool, error) {
	if coins <= 0 {
		return nil, false, fmt.Errorf("coins must be positive")
	}
	if bucket != models.BucketPaid && bucket != models.BucketFree {
		return nil, false, fmt.Errorf("unknown bucket %q", bucket)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var purchase models.CoinPurchase
	err = tx.QueryRow(`
		INSERT INTO coin_purchases (source_ref, user_id, coins, bucket, provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		sourceRef, userID, coins, bucket, provider, time.Now()).Scan(&purchase.ID, &purchase.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			tx.Rollback()
			prior, fetchErr := s.fetchPurchase(ctx, sourceRef)
			if fetchErr != nil {
				return nil, false, fetchErr
			}
			log.Printf("[WALLET] Duplicate purchase settlement for ref %s, returning prior result", sourceRef)
			return prior, true, nil
		}
		return nil, false, err
	}
	purchase.SourceRef = sourceRef
	purchase.UserID = userID
	purchase.Coins = coins
	purchase.Bucket = bucket
	purchase.Provider = provider

	account, err := s.lockAccount(tx, userID)
	if err != nil {
		return nil, false, err
	}

	if err := s.appendLedgerEntry(tx, userID, coins, bucket, models.SourcePurchase, sourceRef); err != nil {
		return nil, false, err
	}

	newPaid, newFree := account.PaidBalance, account.FreeBalance
	if bucket == models.BucketFree {
		newFree += coins
	} else {
		newPaid += coins
	}
	if err := s.updateBalances(tx, account, newPaid, newFree); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(sourceRef, userID, err)
		return nil, false, err
	}

	s.audit.LogPurchase(sourceRef, userID, coins, "SUCCESS")
	return &purchase, false, nil
}

func (s *WalletService) fetchPurchase(ctx context.Context, sourceRef string) (*models.CoinPurchase, error) {
	var p models.CoinPurchase
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_ref, user_id, coins, bucket, provider, created_at
		FROM coin_purchases
		WHERE source_ref = $1`, sourceRef).Scan(
		&p.ID, &p.SourceRef, &p.UserID, &p.Coins, &p.Bucket, &p.Provider, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetBalances returns the cached bucket balances for a user.
func (s *WalletService) GetBalances(ctx context.Context, userID string) (paid, free int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT paid_balance, free_balance FROM accounts WHERE user_id = $1`, userID).
		Scan(&paid, &free)
	if err == sql.ErrNoRows {
		return 0, 0, ErrNotFound
	}
	return paid, free, err
}

// ListLedgerEntries returns the newest ledger rows for a user.
func (s *WalletService) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, delta, bucket, source, ref_id, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Bucket, &e.Source, &e.RefID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// BalanceEnquiry returns the authenticated user's bucket balances
// @Summary Get wallet balance
// @Description Retrieve the authenticated user's paid and free coin balances
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{paidBalance=int64,freeBalance=int64}
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/balance [get]
func (s *WalletService) BalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	paid, free, err := s.GetBalances(r.Context(), userID)
	if err != nil {
		if err == ErrNotFound {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[WALLET] Balance enquiry failed for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"paidBalance": paid,
		"freeBalance": free,
	})
}

// LedgerHistory returns the authenticated user's recent ledger entries
// @Summary List ledger entries
// @Description Retrieve recent coin ledger entries for the authenticated user
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Number of entries to return (default: 50, max: 200)"
// @Success 200 {object} object{entries=[]models.LedgerEntry,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /wallet/ledger [get]
func (s *WalletService) LedgerHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	entries, err := s.ListLedgerEntries(r.Context(), userID, limit)
	if err != nil {
		log.Printf("[WALLET] Ledger history failed for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// HandlePaymentWebhook settles a completed coin purchase
// @Summary Payment settlement webhook
// @Description Called by the payment collaborator after verifying a completed payment; idempotent on sourceRef
// @Tags webhooks
// @Accept json
// @Produce json
// @Param request body object{userId=string,coins=int64,bucket=string,sourceRef=string,provider=string} true "Settlement payload"
// @Success 200 {object} object{success=bool,duplicate=bool,coinsAdded=int64}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /webhooks/payments [post]
func (s *WalletService) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Provider-Secret") != viper.GetString("payments.webhook_secret") {
		log.Printf("[WALLET] Payment webhook rejected - bad secret from IP: %s", r.RemoteAddr)
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		UserID    string `json:"userId" validate:"required"`
		Coins     int64  `json:"coins" validate:"required,gt=0"`
		Bucket    string `json:"bucket" validate:"required,oneof=paid free"`
		SourceRef string `json:"sourceRef" validate:"required"`
		Provider  string `json:"provider" validate:"required"`
	}

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

	purchase, duplicate, err := s.CreditPurchasedCoins(r.Context(), req.UserID, req.Coins, req.Bucket, req.SourceRef, req.Provider)
	if err != nil {
		log.Printf("[WALLET] Purchase settlement failed for ref %s: %v", req.SourceRef, err)
		SendErrorResponse(w, "Failed to settle purchase", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"duplicate":  duplicate,
		"coinsAdded": purchase.Coins,
	})
}
