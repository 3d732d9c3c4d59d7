package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/trollcity/backend/internal/models"
)

func TestCatalogService_GetGift(t *testing.T) {
	gift := models.Gift{
		ID:       "g1",
		Slug:     "rose",
		Name:     "Rose",
		CoinCost: 100,
		Bucket:   models.BucketPaid,
		Category: "flowers",
		IsActive: true,
	}

	t.Run("cache hit skips the database", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, rmock := redismock.NewClientMock()
		service := NewCatalogService(db, redisClient)

		data, _ := json.Marshal(gift)
		rmock.ExpectGet("gift:g1").SetVal(string(data))

		got, err := service.GetGift(context.Background(), "g1")
		assert.NoError(t, err)
		assert.Equal(t, "rose", got.Slug)
		assert.Equal(t, int64(100), got.CoinCost)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("cache miss reads the database and fills the cache", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, rmock := redismock.NewClientMock()
		service := NewCatalogService(db, redisClient)

		rmock.ExpectGet("gift:g1").RedisNil()

		mock.ExpectQuery("SELECT id, slug, name, coin_cost, bucket, category, is_active").
			WithArgs("g1").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "slug", "name", "coin_cost", "bucket", "category", "is_active"}).
				AddRow("g1", "rose", "Rose", 100, models.BucketPaid, "flowers", true))

		data, _ := json.Marshal(gift)
		rmock.ExpectSet("gift:g1", data, giftCacheTTL).SetVal("OK")

		got, err := service.GetGift(context.Background(), "g1")
		assert.NoError(t, err)
		assert.Equal(t, "Rose", got.Name)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inactive gift is hidden", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, rmock := redismock.NewClientMock()
		service := NewCatalogService(db, redisClient)

		rmock.ExpectGet("gift:g2").RedisNil()

		mock.ExpectQuery("SELECT id, slug, name, coin_cost, bucket, category, is_active").
			WithArgs("g2").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "slug", "name", "coin_cost", "bucket", "category", "is_active"}).
				AddRow("g2", "retired", "Retired Gift", 50, models.BucketPaid, "legacy", false))

		_, err = service.GetGift(context.Background(), "g2")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown gift", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, rmock := redismock.NewClientMock()
		service := NewCatalogService(db, redisClient)

		rmock.ExpectGet("gift:nope").RedisNil()

		mock.ExpectQuery("SELECT id, slug, name, coin_cost, bucket, category, is_active").
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err = service.GetGift(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCatalogService_Catalog(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	service := NewCatalogService(db, redisClient)

	mock.ExpectQuery("SELECT id, slug, name, coin_cost, bucket, category, is_active").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "slug", "name", "coin_cost", "bucket", "category", "is_active"}).
			AddRow("g1", "rose", "Rose", 100, models.BucketPaid, "flowers", true).
			AddRow("g2", "crown", "Crown", 5000, models.BucketPaid, "luxury", true))

	r := httptest.NewRequest("GET", "/gifts/catalog", nil)
	w := httptest.NewRecorder()

	service.Catalog(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]any
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, float64(2), response["count"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
