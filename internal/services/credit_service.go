package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/lib/pq"
	"github.com/trollcity/backend/internal/models"
)

// CreditRule maps one event type to its score delta and rate limit. A rule
// without a cap applies its base delta unconditionally (one-shot events like
// chargebacks and defaults).
type CreditRule struct {
	Base       int
	Cap        int
	HasCap     bool
	WindowDays int
}

// The scoring rule table. Caps are cumulative per (user, event_type) over the
// trailing window; negative caps clamp toward zero from below.
var creditRules = map[string]CreditRule{
	// Increases
	"daily_checkin":           {Base: 1, Cap: 1, HasCap: true, WindowDays: 1},
	"stream_session":          {Base: 2, Cap: 6, HasCap: true, WindowDays: 1},
	"stream_streak_bonus":     {Base: 3, Cap: 3, HasCap: true, WindowDays: 7},
	"chat_message_meaningful": {Base: 1, Cap: 3, HasCap: true, WindowDays: 1},
	"gift_action":             {Base: 1, Cap: 5, HasCap: true, WindowDays: 1},
	"gift_threshold_bonus":    {Base: 2, Cap: 2, HasCap: true, WindowDays: 1},
	"positive_reactions":      {Base: 1, Cap: 3, HasCap: true, WindowDays: 1},
	"trollcourt_win":          {Base: 5, Cap: 10, HasCap: true, WindowDays: 7},
	"loan_on_time_payment":    {Base: 4, Cap: 12, HasCap: true, WindowDays: 7},
	"loan_full_payoff":        {Base: 8},

	// Decreases
	"chat_mute":             {Base: -5, Cap: -10, HasCap: true, WindowDays: 1},
	"warning":               {Base: -3, Cap: -9, HasCap: true, WindowDays: 1},
	"trollcourt_loss":       {Base: -5, Cap: -10, HasCap: true, WindowDays: 7},
	"inactivity_3d":         {Base: -2},
	"inactivity_7d":         {Base: -8},
	"inactivity_14d":        {Base: -20},
	"chargeback":            {Base: -25},
	"spam_flag":             {Base: -10, Cap: -30, HasCap: true, WindowDays: 1},
	"loan_late_payment":     {Base: -2, Cap: -20, HasCap: true, WindowDays: 7},
	"loan_missed_payment":   {Base: -15},
	"loan_default":          {Base: -60},
	"loan_high_outstanding": {Base: -1, Cap: -5, HasCap: true, WindowDays: 1},
}

func clampScore(score int) int {
	if score < models.CreditScoreMin {
		return models.CreditScoreMin
	}
	if score > models.CreditScoreMax {
		return models.CreditScoreMax
	}
	return score
}

func tierForScore(score int) string {
	switch {
	case score < 150:
		return models.TierUntrusted
	case score < 300:
		return models.TierShaky
	case score < 450:
		return models.TierBuilding
	case score < 600:
		return models.TierReliable
	case score < 700:
		return models.TierTrusted
	default:
		return models.TierElite
	}
}

func trendFromSum(sum int) int {
	if sum > 0 {
		return 1
	}
	if sum < 0 {
		return -1
	}
	return 0
}

// CreditEventRequest is one scored behavior reported by another subsystem.
type CreditEventRequest struct {
	UserID          string         `json:"user_id" validate:"required"`
	EventType       string         `json:"event_type" validate:"required"`
	EventKey        string         `json:"event_key,omitempty"`
	OverrideDelta   *int           `json:"override_delta,omitempty"`
	LoanReliability *int           `json:"loan_reliability,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// CreditResult reports the user's credit state after the event. Skipped
// events (duplicate key, cap reached) apply no delta and are not errors.
type CreditResult struct {
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Delta   int    `json:"delta"`
	Score   int    `json:"score"`
	Tier    string `json:"tier"`
	Trend7d int    `json:"trend_7d"`
}

// CreditService ingests behavioral events into the bounded, windowed credit
// score and maintains the per-user credit record.
type CreditService struct {
	db *sql.DB
}

func NewCreditService(db *sql.DB) *CreditService {
	return &CreditService{db: db}
}

// RecordEvent applies one credit event: idempotency check, windowed cap
// clamp, score update, tier and trend recompute, event append.
func (s *CreditService) RecordEvent(ctx context.Context, req CreditEventRequest) (*CreditResult, error) {
	if req.EventKey != "" {
		var exists bool
		err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM credit_events WHERE event_key = $1)`, req.EventKey).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if exists {
			return &CreditResult{Skipped: true, Reason: "duplicate"}, nil
		}
	}

	rule, known := creditRules[req.EventType]
	baseDelta := rule.Base
	if req.OverrideDelta != nil {
		baseDelta = *req.OverrideDelta
	} else if !known {
		return nil, fmt.Errorf("unknown event type %q and no override delta: %w", req.EventType, ErrNotFound)
	}

	delta := baseDelta
	if known && rule.HasCap {
		capped, err := s.cappedDelta(ctx, req.UserID, req.EventType, baseDelta, rule.Cap, rule.WindowDays)
		if err != nil {
			return nil, err
		}
		delta = capped
	}

	if delta == 0 {
		return &CreditResult{Skipped: true, Reason: "cap reached"}, nil
	}

	credit, err := s.getOrInitUserCredit(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	nextScore := clampScore(credit.Score + delta)
	nextTier := tierForScore(nextScore)

	metaJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, err
	}

	var eventKey any
	if req.EventKey != "" {
		eventKey = req.EventKey
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credit_events (user_id, event_type, delta, event_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		req.UserID, req.EventType, delta, eventKey, metaJSON, time.Now())
	if err != nil {
		// The unique index on event_key is the real duplicate guard; the
		// pre-check above only avoids the wasted work on the common path.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return &CreditResult{Skipped: true, Reason: "duplicate"}, nil
		}
		return nil, err
	}

	trend7d, err := s.ComputeTrend7d(ctx, req.UserID)
	if err != nil {
		log.Printf("[CREDIT] Trend recompute failed for %s, keeping prior: %v", req.UserID, err)
		trend7d = credit.Trend7d
	}

	loanReliability := credit.LoanReliability
	if req.LoanReliability != nil {
		loanReliability = *req.LoanReliability
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_credit (user_id, score, tier, trend_7d, loan_reliability, last_event_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET score = EXCLUDED.score, tier = EXCLUDED.tier, trend_7d = EXCLUDED.trend_7d,
		    loan_reliability = EXCLUDED.loan_reliability, last_event_at = EXCLUDED.last_event_at,
		    updated_at = EXCLUDED.updated_at`,
		req.UserID, nextScore, nextTier, trend7d, loanReliability, time.Now())
	if err != nil {
		return nil, err
	}

	log.Printf("[CREDIT] Applied %s delta %d for user %s, score %d -> %d (%s)",
		req.EventType, delta, req.UserID, credit.Score, nextScore, nextTier)

	return &CreditResult{
		Delta:   delta,
		Score:   nextScore,
		Tier:    nextTier,
		Trend7d: trend7d,
	}, nil
}

// cappedDelta clamps the new delta so the windowed sum for this event type
// never exceeds the cap. Returns zero when the cap is already met.
func (s *CreditService) cappedDelta(ctx context.Context, userID, eventType string, baseDelta, limit, windowDays int) (int, error) {
	if windowDays <= 0 {
		windowDays = 1
	}
	windowStart := time.Now().Add(-time.Duration(windowDays) * 24 * time.Hour)

	var currentSum int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0)
		FROM credit_events
		WHERE user_id = $1 AND event_type = $2 AND created_at >= $3`,
		userID, eventType, windowStart).Scan(&currentSum)
	if err != nil {
		return 0, err
	}

	if limit > 0 {
		remaining := limit - currentSum
		if remaining <= 0 {
			return 0, nil
		}
		if baseDelta > remaining {
			return remaining, nil
		}
		return baseDelta, nil
	}

	// Negative cap: limit and currentSum are zero or below.
	remaining := limit - currentSum
	if remaining >= 0 {
		return 0, nil
	}
	if baseDelta < remaining {
		return remaining, nil
	}
	return baseDelta, nil
}

// ComputeTrend7d returns the sign of the net delta across all event types in
// the trailing 7 days.
func (s *CreditService) ComputeTrend7d(ctx context.Context, userID string) (int, error) {
	windowStart := time.Now().Add(-7 * 24 * time.Hour)

	var sum int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0)
		FROM credit_events
		WHERE user_id = $1 AND created_at >= $2`,
		userID, windowStart).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return trendFromSum(sum), nil
}

// getOrInitUserCredit fetches the credit record, seeding the default row
// (score 400, Building) on first contact.
func (s *CreditService) getOrInitUserCredit(ctx context.Context, userID string) (*models.UserCredit, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_credit (user_id, score, tier, trend_7d, loan_reliability, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, models.CreditScoreDefault, tierForScore(models.CreditScoreDefault), time.Now())
	if err != nil {
		return nil, err
	}
	return s.GetUserCredit(ctx, userID)
}

// GetUserCredit returns the credit record for a user.
func (s *CreditService) GetUserCredit(ctx context.Context, userID string) (*models.UserCredit, error) {
	var credit models.UserCredit
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, score, tier, trend_7d, loan_reliability, last_event_at, updated_at
		FROM user_credit
		WHERE user_id = $1`, userID).Scan(
		&credit.UserID, &credit.Score, &credit.Tier, &credit.Trend7d,
		&credit.LoanReliability, &credit.LastEventAt, &credit.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &credit, nil
}

// CreditScore returns the authenticated user's credit record
// @Summary Get credit score
// @Description Retrieve the authenticated user's credit score, tier and 7-day trend
// @Tags credit
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.UserCredit
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /credit/score [get]
func (s *CreditService) CreditScore(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	credit, err := s.GetUserCredit(r.Context(), userID)
	if err != nil {
		if err == ErrNotFound {
			SendErrorResponse(w, "No credit record yet", http.StatusNotFound, nil)
			return
		}
		log.Printf("[CREDIT] Failed to fetch credit for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch credit record", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(credit)
}
