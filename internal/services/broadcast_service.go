package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// GiftBroadcast is the payload pushed to viewers when a gift lands.
type GiftBroadcast struct {
	TransactionID string `json:"transaction_id"`
	SenderID      string `json:"sender_id"`
	ReceiverID    string `json:"receiver_id"`
	GiftSlug      string `json:"gift_slug"`
	GiftName      string `json:"gift_name"`
	Amount        int64  `json:"amount"`
	Quantity      int    `json:"quantity"`
	Timestamp     int64  `json:"timestamp"`
}

// BroadcastService pushes best-effort notifications to the real-time
// messaging layer. Failures are logged and dropped; nothing here may block or
// roll back a committed transfer.
type BroadcastService struct {
	redis *redis.Client
}

func NewBroadcastService(redisClient *redis.Client) *BroadcastService {
	return &BroadcastService{redis: redisClient}
}

// PublishGift announces a gift on the stream's realtime channel.
func (s *BroadcastService) PublishGift(ctx context.Context, streamID string, payload GiftBroadcast) {
	if s.redis == nil || streamID == "" {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[BROADCAST] Failed to marshal gift payload: %v", err)
		return
	}

	channel := fmt.Sprintf("stream_events_%s", streamID)
	if err := s.redis.Publish(ctx, channel, data).Err(); err != nil {
		log.Printf("[BROADCAST] Failed to publish gift to %s: %v", channel, err)
	}
}

// QueueAnnouncement enqueues a platform-wide announcement for large gifts.
// Consumed by the notification workers outside this service.
func (s *BroadcastService) QueueAnnouncement(ctx context.Context, payload GiftBroadcast) {
	if s.redis == nil {
		return
	}

	data, err := json.Marshal(map[string]any{
		"type":      "big_gift",
		"payload":   payload,
		"queued_at": time.Now().Unix(),
	})
	if err != nil {
		log.Printf("[BROADCAST] Failed to marshal announcement: %v", err)
		return
	}

	if err := s.redis.RPush(ctx, "announcement_queue", data).Err(); err != nil {
		log.Printf("[BROADCAST] Failed to queue announcement: %v", err)
	}
}
