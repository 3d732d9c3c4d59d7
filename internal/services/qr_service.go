package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// GiftQRPayload is the data encoded into a streamer's gift QR code. Viewers
// scan it to open a pre-filled send-gift screen.
type GiftQRPayload struct {
	ReceiverID     string `json:"receiverId"`
	GiftID         string `json:"giftId,omitempty"`
	StreamID       string `json:"streamId,omitempty"`
	SuggestedCoins int64  `json:"suggestedCoins,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	Nonce          string `json:"nonce"`
}

// QRService mints and redeems short-lived gift QR codes. Codes live in Redis
// for five minutes and are single-use.
type QRService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewQRService(db *sql.DB, redis *redis.Client) *QRService {
	return &QRService{
		db:    db,
		redis: redis,
	}
}

// GenerateGiftQR builds a code for the given receiver and returns both the
// opaque code string and a base64 PNG rendering of it.
func (s *QRService) GenerateGiftQR(ctx context.Context, receiverID, giftID, streamID string, suggestedCoins int64) (string, string, error) {
	payload := GiftQRPayload{
		ReceiverID:     receiverID,
		GiftID:         giftID,
		StreamID:       streamID,
		SuggestedCoins: suggestedCoins,
		Timestamp:      time.Now().Unix(),
		Nonce:          s.generateNonce(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	qrCode := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("gift_qr:%s", qrCode)
	if err := s.redis.Set(ctx, key, jsonData, 5*time.Minute).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(qrCode, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return qrCode, qrImage, nil
}

// ProcessGiftQR redeems a scanned code. The code is consumed on first read;
// a second scan fails as expired.
func (s *QRService) ProcessGiftQR(ctx context.Context, qrData string) (*GiftQRPayload, error) {
	key := fmt.Sprintf("gift_qr:%s", qrData)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired QR code")
	}
	if err != nil {
		return nil, err
	}

	var payload GiftQRPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return &payload, nil
}

func (s *QRService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
