package audit

import (
	"encoding/json"
	"log"
	"time"
)

// Event is one structured audit record. Every balance-affecting operation
// writes one, success or failure.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	RefID     string    `json:"ref_id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogTransfer(refID, senderID, receiverID string, amount int64, status string) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "GIFT_TRANSFER",
		RefID:     refID,
		UserID:    senderID,
		Amount:    amount,
		Status:    status,
		Details: map[string]string{
			"receiver_id": receiverID,
		},
	}
	a.log(event)
}

func (a *Logger) LogPurchase(sourceRef, userID string, coins int64, status string) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "COIN_PURCHASE",
		RefID:     sourceRef,
		UserID:    userID,
		Amount:    coins,
		Status:    status,
	}
	a.log(event)
}

func (a *Logger) LogError(refID, userID string, err error) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		RefID:     refID,
		UserID:    userID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
