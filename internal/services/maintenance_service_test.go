package services

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/trollcity/backend/internal/models"
)

func TestInactivityTier(t *testing.T) {
	now := time.Now()

	recent := now.Add(-24 * time.Hour)
	fourDays := now.Add(-4 * 24 * time.Hour)
	eightDays := now.Add(-8 * 24 * time.Hour)
	threeWeeks := now.Add(-21 * 24 * time.Hour)

	assert.Equal(t, "", inactivityTier(nil, now))
	assert.Equal(t, "", inactivityTier(&recent, now))
	assert.Equal(t, "inactivity_3d", inactivityTier(&fourDays, now))
	assert.Equal(t, "inactivity_7d", inactivityTier(&eightDays, now))
	assert.Equal(t, "inactivity_14d", inactivityTier(&threeWeeks, now))
}

func TestMaintenanceService_RunDaily(t *testing.T) {
	t.Run("updates trends and penalizes the idle user", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		credit := NewCreditService(db)
		service := NewMaintenanceService(db, credit)

		active := time.Now().Add(-2 * time.Hour)
		idle := time.Now().Add(-5 * 24 * time.Hour)

		mock.ExpectQuery("SELECT user_id, last_event_at FROM user_credit").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "last_event_at"}).
				AddRow("active-user", active).
				AddRow("idle-user", idle))

		// active-user: trend recompute and rewrite only.
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(delta\\), 0\\)").
			WithArgs("active-user", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(3))
		mock.ExpectExec("UPDATE user_credit SET trend_7d").
			WithArgs(1, sqlmock.AnyArg(), "active-user").
			WillReturnResult(sqlmock.NewResult(0, 1))

		// idle-user: trend rewrite plus a 3-day inactivity penalty.
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(delta\\), 0\\)").
			WithArgs("idle-user", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(0))
		mock.ExpectExec("UPDATE user_credit SET trend_7d").
			WithArgs(0, sqlmock.AnyArg(), "idle-user").
			WillReturnResult(sqlmock.NewResult(0, 1))

		// Penalty path inside CreditService.RecordEvent.
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO user_credit").
			WillReturnResult(sqlmock.NewResult(0, 0))
		expectCreditRecord(mock, "idle-user", 400, models.TierBuilding)
		mock.ExpectExec("INSERT INTO credit_events").
			WithArgs("idle-user", "inactivity_3d", -2, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(delta\\), 0\\)").
			WithArgs("idle-user", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(-2))
		mock.ExpectExec("INSERT INTO user_credit").
			WillReturnResult(sqlmock.NewResult(0, 1))

		result, err := service.RunDaily(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 2, result.TrendsUpdated)
		assert.Equal(t, 1, result.Penalized)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("re-run same day skips the penalty", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		credit := NewCreditService(db)
		service := NewMaintenanceService(db, credit)

		idle := time.Now().Add(-5 * 24 * time.Hour)

		mock.ExpectQuery("SELECT user_id, last_event_at FROM user_credit").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "last_event_at"}).
				AddRow("idle-user", idle))

		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(delta\\), 0\\)").
			WithArgs("idle-user", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(-2))
		mock.ExpectExec("UPDATE user_credit SET trend_7d").
			WithArgs(-1, sqlmock.AnyArg(), "idle-user").
			WillReturnResult(sqlmock.NewResult(0, 1))

		// The date-scoped event key already exists from the first run.
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		result, err := service.RunDaily(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, result.TrendsUpdated)
		assert.Equal(t, 0, result.Penalized)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMaintenanceService_TriggerDaily(t *testing.T) {
	viper.Set("admin.api_key", "admin-secret")

	t.Run("rejects bad admin key", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewMaintenanceService(db, NewCreditService(db))

		r := httptest.NewRequest("POST", "/admin/maintenance/daily", nil)
		r.Header.Set("X-Admin-Key", "wrong")
		w := httptest.NewRecorder()

		service.TriggerDaily(w, r)

		assert.Equal(t, 401, w.Code)
	})

	t.Run("runs with valid key", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewMaintenanceService(db, NewCreditService(db))

		mock.ExpectQuery("SELECT user_id, last_event_at FROM user_credit").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "last_event_at"}))

		r := httptest.NewRequest("POST", "/admin/maintenance/daily", nil)
		r.Header.Set("X-Admin-Key", "admin-secret")
		w := httptest.NewRecorder()

		service.TriggerDaily(w, r)

		assert.Equal(t, 200, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
