package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"

	"github.com/spf13/viper"
	"github.com/trollcity/backend/internal/models"
)

// AccountMismatch reports one account whose cached balances disagree with the
// ledger.
type AccountMismatch struct {
	UserID      string `json:"userId"`
	Bucket      string `json:"bucket"`
	CachedValue int64  `json:"cachedValue"`
	LedgerValue int64  `json:"ledgerValue"`
}

// ReconciliationReport is the outcome of one reconciliation sweep.
type ReconciliationReport struct {
	AccountsChecked int               `json:"accountsChecked"`
	Mismatches      []AccountMismatch `json:"mismatches"`
}

// ReconciliationService audits the cached account balances against the ledger.
// The ledger is the source of truth; the accounts table is a cache, and this
// service is how drift gets detected.
type ReconciliationService struct {
	db         *sql.DB
	feeAccount string
}

func NewReconciliationService(db *sql.DB, feeAccount string) *ReconciliationService {
	return &ReconciliationService{
		db:         db,
		feeAccount: feeAccount,
	}
}

// VerifyAccount recomputes one user's balances from the ledger and compares
// them against the cached row.
func (s *ReconciliationService) VerifyAccount(ctx context.Context, userID string) ([]AccountMismatch, error) {
	var cachedPaid, cachedFree int64
	err := s.db.QueryRowContext(ctx, `
		SELECT paid_balance, free_balance FROM accounts WHERE user_id = $1`, userID).
		Scan(&cachedPaid, &cachedFree)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ledgerPaid, err := s.ledgerSum(ctx, userID, models.BucketPaid)
	if err != nil {
		return nil, err
	}
	ledgerFree, err := s.ledgerSum(ctx, userID, models.BucketFree)
	if err != nil {
		return nil, err
	}

	mismatches := []AccountMismatch{}
	if cachedPaid != ledgerPaid {
		mismatches = append(mismatches, AccountMismatch{
			UserID: userID, Bucket: models.BucketPaid,
			CachedValue: cachedPaid, LedgerValue: ledgerPaid,
		})
	}
	if cachedFree != ledgerFree {
		mismatches = append(mismatches, AccountMismatch{
			UserID: userID, Bucket: models.BucketFree,
			CachedValue: cachedFree, LedgerValue: ledgerFree,
		})
	}
	return mismatches, nil
}

// VerifyTransfer checks coin conservation for one gift transaction: the
// ledger rows for the transfer must net out to exactly the minted cashback.
func (s *ReconciliationService) VerifyTransfer(ctx context.Context, txID string) (bool, error) {
	var cashback int64
	err := s.db.QueryRowContext(ctx, `
		SELECT cashback FROM gift_transactions WHERE id = $1`, txID).Scan(&cashback)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	var net int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE ref_id = $1`, txID).Scan(&net)
	if err != nil {
		return false, err
	}

	return net == cashback, nil
}

// Run sweeps every account and reports cache drift. Read-only; repairs are a
// manual operation once the cause is understood.
func (s *ReconciliationService) Run(ctx context.Context) (*ReconciliationReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	userIDs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := &ReconciliationReport{Mismatches: []AccountMismatch{}}
	for _, userID := range userIDs {
		mismatches, err := s.VerifyAccount(ctx, userID)
		if err != nil {
			log.Printf("[RECONCILE] Verify failed for %s: %v", userID, err)
			continue
		}
		report.AccountsChecked++
		report.Mismatches = append(report.Mismatches, mismatches...)
	}

	if len(report.Mismatches) > 0 {
		log.Printf("[RECONCILE] Sweep found %d mismatches across %d accounts",
			len(report.Mismatches), report.AccountsChecked)
	}
	return report, nil
}

func (s *ReconciliationService) ledgerSum(ctx context.Context, userID, bucket string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0)
		FROM ledger_entries
		WHERE user_id = $1 AND bucket = $2`, userID, bucket).Scan(&sum)
	return sum, err
}

// Reconcile runs a balance reconciliation sweep
// @Summary Reconcile balances
// @Description Recompute every account balance from the ledger and report drift
// @Tags admin
// @Produce json
// @Param X-Admin-Key header string true "Scheduler shared secret"
// @Success 200 {object} ReconciliationReport
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /admin/reconcile [post]
func (s *ReconciliationService) Reconcile(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Admin-Key") != viper.GetString("admin.api_key") {
		log.Printf("[RECONCILE] Rejected trigger - bad admin key from IP: %s", r.RemoteAddr)
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	report, err := s.Run(r.Context())
	if err != nil {
		log.Printf("[RECONCILE] Sweep failed: %v", err)
		SendErrorResponse(w, "Reconciliation failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
