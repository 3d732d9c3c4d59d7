package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/trollcity/backend/internal/models"
)

const giftCacheTTL = 5 * time.Minute

// CatalogService reads the gift catalog. The catalog is owned by the content
// team; this service only looks items up, with a Redis cache in front of the
// table so the hot gift path avoids a query per send.
type CatalogService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewCatalogService(db *sql.DB, redisClient *redis.Client) *CatalogService {
	return &CatalogService{
		db:    db,
		redis: redisClient,
	}
}

// GetGift returns one active catalog item by id.
func (s *CatalogService) GetGift(ctx context.Context, giftID string) (*models.Gift, error) {
	if s.redis != nil {
		key := fmt.Sprintf("gift:%s", giftID)
		if data, err := s.redis.Get(ctx, key).Bytes(); err == nil {
			var gift models.Gift
			if err := json.Unmarshal(data, &gift); err == nil {
				return &gift, nil
			}
		}
	}

	var gift models.Gift
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, coin_cost, bucket, category, is_active
		FROM gifts
		WHERE id = $1`, giftID).Scan(
		&gift.ID, &gift.Slug, &gift.Name, &gift.CoinCost, &gift.Bucket, &gift.Category, &gift.IsActive)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !gift.IsActive {
		return nil, ErrNotFound
	}

	if s.redis != nil {
		if data, err := json.Marshal(gift); err == nil {
			key := fmt.Sprintf("gift:%s", giftID)
			if err := s.redis.Set(ctx, key, data, giftCacheTTL).Err(); err != nil {
				log.Printf("[CATALOG] Failed to cache gift %s: %v", giftID, err)
			}
		}
	}

	return &gift, nil
}

// ListGifts returns all active catalog items.
func (s *CatalogService) ListGifts(ctx context.Context) ([]models.Gift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, name, coin_cost, bucket, category, is_active
		FROM gifts
		WHERE is_active = TRUE
		ORDER BY coin_cost ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	gifts := []models.Gift{}
	for rows.Next() {
		var g models.Gift
		if err := rows.Scan(&g.ID, &g.Slug, &g.Name, &g.CoinCost, &g.Bucket, &g.Category, &g.IsActive); err != nil {
			return nil, err
		}
		gifts = append(gifts, g)
	}
	return gifts, rows.Err()
}

// Catalog lists the active gift catalog
// @Summary List gift catalog
// @Description Retrieve all active gifts available for sending
// @Tags gifts
// @Produce json
// @Success 200 {object} object{gifts=[]models.Gift,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /gifts/catalog [get]
func (s *CatalogService) Catalog(w http.ResponseWriter, r *http.Request) {
	gifts, err := s.ListGifts(r.Context())
	if err != nil {
		log.Printf("[CATALOG] Failed to list gifts: %v", err)
		SendErrorResponse(w, "Failed to fetch catalog", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"gifts": gifts,
		"count": len(gifts),
	})
}
