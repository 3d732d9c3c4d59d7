package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/trollcity/backend/internal/config"
	"github.com/trollcity/backend/internal/models"
)

func newWalletTestService(t *testing.T) (*WalletService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	service := NewWalletService(db, config.LoadEconomyConfig())
	return service, mock, func() { db.Close() }
}

func TestWalletService_CreditPurchasedCoins(t *testing.T) {
	t.Run("first settlement credits the account", func(t *testing.T) {
		service, mock, cleanup := newWalletTestService(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO coin_purchases").
			WithArgs("pay_123", "u1", int64(500), models.BucketPaid, "stripe", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, time.Now()))

		expectLockedAccount(mock, "u1", 100, 0, 2)

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs("u1", int64(500), models.BucketPaid, models.SourcePurchase, "pay_123", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(600), int64(0), sqlmock.AnyArg(), "u1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		purchase, duplicate, err := service.CreditPurchasedCoins(context.Background(),
			"u1", 500, models.BucketPaid, "pay_123", "stripe")
		assert.NoError(t, err)
		assert.False(t, duplicate)
		assert.Equal(t, int64(500), purchase.Coins)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate settlement returns prior purchase", func(t *testing.T) {
		service, mock, cleanup := newWalletTestService(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO coin_purchases").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		mock.ExpectQuery("SELECT id, source_ref, user_id, coins, bucket, provider, created_at").
			WithArgs("pay_123").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "source_ref", "user_id", "coins", "bucket", "provider", "created_at"}).
				AddRow(7, "pay_123", "u1", 500, models.BucketPaid, "stripe", time.Now()))

		purchase, duplicate, err := service.CreditPurchasedCoins(context.Background(),
			"u1", 500, models.BucketPaid, "pay_123", "stripe")
		assert.NoError(t, err)
		assert.True(t, duplicate)
		assert.Equal(t, int64(500), purchase.Coins)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive coins", func(t *testing.T) {
		service, _, cleanup := newWalletTestService(t)
		defer cleanup()

		_, _, err := service.CreditPurchasedCoins(context.Background(),
			"u1", 0, models.BucketPaid, "pay_123", "stripe")
		assert.Error(t, err)
	})

	t.Run("rejects unknown bucket", func(t *testing.T) {
		service, _, cleanup := newWalletTestService(t)
		defer cleanup()

		_, _, err := service.CreditPurchasedCoins(context.Background(),
			"u1", 500, "escrowed", "pay_123", "stripe")
		assert.Error(t, err)
	})
}

func TestWalletService_updateBalances(t *testing.T) {
	t.Run("version miss fails the update", func(t *testing.T) {
		service, mock, cleanup := newWalletTestService(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(100), int64(0), sqlmock.AnyArg(), "u1", 3).
			WillReturnResult(sqlmock.NewResult(0, 0))

		tx, err := service.db.Begin()
		assert.NoError(t, err)

		account := &models.Account{UserID: "u1", Version: 3}
		err = service.updateBalances(tx, account, 100, 0)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "optimistic lock failed")
	})
}

func TestWalletService_lockAccountPair(t *testing.T) {
	t.Run("locks in sorted order regardless of argument order", func(t *testing.T) {
		service, mock, cleanup := newWalletTestService(t)
		defer cleanup()

		mock.ExpectBegin()
		// Caller passes (zoe, adam) but adam must be locked first.
		expectLockedAccount(mock, "adam", 10, 0, 1)
		expectLockedAccount(mock, "zoe", 20, 0, 1)

		tx, err := service.db.Begin()
		assert.NoError(t, err)

		first, second, err := service.lockAccountPair(tx, "zoe", "adam")
		assert.NoError(t, err)
		assert.Equal(t, "zoe", first.UserID)
		assert.Equal(t, "adam", second.UserID)
		assert.Equal(t, int64(20), first.PaidBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account", func(t *testing.T) {
		service, mock, cleanup := newWalletTestService(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT user_id, paid_balance").
			WithArgs("adam").
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

		tx, err := service.db.Begin()
		assert.NoError(t, err)

		_, _, err = service.lockAccountPair(tx, "zoe", "adam")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestWalletService_HandlePaymentWebhook(t *testing.T) {
	viper.Set("payments.webhook_secret", "hook-secret")

	t.Run("rejects bad secret", func(t *testing.T) {
		service, _, cleanup := newWalletTestService(t)
		defer cleanup()

		r := httptest.NewRequest("POST", "/webhooks/payments", bytes.NewBufferString(`{}`))
		r.Header.Set("X-Provider-Secret", "wrong")
		w := httptest.NewRecorder()

		service.HandlePaymentWebhook(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("settles a valid payload", func(t *testing.T) {
		service, mock, cleanup := newWalletTestService(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO coin_purchases").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
		expectLockedAccount(mock, "u1", 0, 0, 1)
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		body, _ := json.Marshal(map[string]any{
			"userId":    "u1",
			"coins":     250,
			"bucket":    "paid",
			"sourceRef": "pay_456",
			"provider":  "stripe",
		})
		r := httptest.NewRequest("POST", "/webhooks/payments", bytes.NewBuffer(body))
		r.Header.Set("X-Provider-Secret", "hook-secret")
		w := httptest.NewRecorder()

		service.HandlePaymentWebhook(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, true, response["success"])
		assert.Equal(t, false, response["duplicate"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects invalid bucket value", func(t *testing.T) {
		service, _, cleanup := newWalletTestService(t)
		defer cleanup()

		body, _ := json.Marshal(map[string]any{
			"userId":    "u1",
			"coins":     250,
			"bucket":    "bonus",
			"sourceRef": "pay_789",
			"provider":  "stripe",
		})
		r := httptest.NewRequest("POST", "/webhooks/payments", bytes.NewBuffer(body))
		r.Header.Set("X-Provider-Secret", "hook-secret")
		w := httptest.NewRecorder()

		service.HandlePaymentWebhook(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
