package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/lib/pq"
)

// AwardResult is the outcome of one badge grant attempt. A duplicate grant is
// not an error; it comes back as awarded=false with reason "already_awarded".
type AwardResult struct {
	Slug    string `json:"slug"`
	Awarded bool   `json:"awarded"`
	Reason  string `json:"reason,omitempty"`
}

// EventMetadata carries the caller-supplied aggregate counters the badge
// rules read. The engine never recomputes these; whoever reports the event is
// responsible for their accuracy.
type EventMetadata struct {
	TotalGifts            int64 `json:"total_gifts"`
	TotalGiftAmount       int64 `json:"total_gift_amount"`
	UniqueRecipients      int64 `json:"unique_recipients"`
	LoanRepaidCount       int64 `json:"loan_repaid_count"`
	OnTimePayments        int64 `json:"on_time_payments"`
	PaidOff               bool  `json:"paid_off"`
	LoansPaidOff          int64 `json:"loans_paid_off"`
	Score                 int64 `json:"score"`
	StreakDays            int64 `json:"streak_days"`
	TotalCheckins         int64 `json:"total_checkins"`
	CheckinStreak         int64 `json:"checkin_streak"`
	Minutes               int64 `json:"minutes"`
	TotalStreams          int64 `json:"total_streams"`
	StreamDays7d          int64 `json:"stream_days_7d"`
	ReactionGivenCount    int64 `json:"reaction_given_count"`
	UniqueReactionSenders int64 `json:"unique_reaction_senders"`
	Wins                  int64 `json:"wins"`
	CleanDays             int64 `json:"clean_days"`
}

// badgeRule matches one event type and tests a threshold over the event's
// metadata. Rules run in order; every match triggers an award attempt.
type badgeRule struct {
	slug      string
	eventType string
	test      func(m EventMetadata) bool
}

var badgeRules = []badgeRule{
	// Gifting
	{"first-gift", "gift_sent", func(m EventMetadata) bool { return m.TotalGifts >= 1 }},
	{"generous-gifter", "gift_sent", func(m EventMetadata) bool { return m.TotalGifts >= 10 }},
	{"big-spender", "gift_sent", func(m EventMetadata) bool { return m.TotalGiftAmount >= 50000 }},
	{"community-supporter", "gift_sent", func(m EventMetadata) bool { return m.UniqueRecipients >= 10 }},

	// Loans / Trust
	{"first-loan-repaid", "loan_repaid", func(m EventMetadata) bool { return m.LoanRepaidCount >= 1 }},
	{"on-time-payer", "loan_repaid", func(m EventMetadata) bool { return m.OnTimePayments >= 5 }},
	{"debt-free", "loan_repaid", func(m EventMetadata) bool { return m.PaidOff || m.LoansPaidOff >= 1 }},
	{"trusted-borrower", "credit_score", func(m EventMetadata) bool { return m.Score >= 600 && m.StreakDays >= 14 }},
	{"elite-reliability", "credit_score", func(m EventMetadata) bool { return m.Score >= 700 && m.StreakDays >= 30 }},

	// Check-ins / Consistency
	{"first-checkin", "checkin", func(m EventMetadata) bool { return m.TotalCheckins >= 1 }},
	{"streak-7", "checkin", func(m EventMetadata) bool { return m.CheckinStreak >= 7 }},
	{"streak-30", "checkin", func(m EventMetadata) bool { return m.CheckinStreak >= 30 }},

	// Streaming
	{"first-stream", "stream", func(m EventMetadata) bool { return m.Minutes >= 20 && m.TotalStreams >= 1 }},
	{"regular-streamer", "stream", func(m EventMetadata) bool { return m.StreamDays7d >= 3 }},
	{"marathon-stream", "stream", func(m EventMetadata) bool { return m.Minutes >= 120 }},

	// Community
	{"first-reaction", "reaction_given", func(m EventMetadata) bool { return m.ReactionGivenCount >= 10 }},
	{"popular", "reaction_received", func(m EventMetadata) bool { return m.UniqueReactionSenders >= 100 }},

	// TrollCourt
	{"first-win", "trollcourt", func(m EventMetadata) bool { return m.Wins >= 1 }},
	{"court-champion", "trollcourt", func(m EventMetadata) bool { return m.Wins >= 10 }},

	// Safety / Moderation
	{"clean-record", "moderation", func(m EventMetadata) bool { return m.CleanDays >= 30 }},
}

// BadgeService evaluates events against the badge rule table and issues
// grants. It has no state beyond the grants table.
type BadgeService struct {
	db *sql.DB
}

func NewBadgeService(db *sql.DB) *BadgeService {
	return &BadgeService{db: db}
}

// AwardBadge grants a badge by slug. The unique constraint on
// (user_id, badge_id) makes this naturally idempotent: a constraint hit is
// translated to already_awarded, never surfaced as an error.
func (s *BadgeService) AwardBadge(ctx context.Context, userID, slug string, metadata EventMetadata) (*AwardResult, error) {
	var badgeID int
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM badges WHERE slug = $1 AND is_active = TRUE`, slug).Scan(&badgeID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_badges (user_id, badge_id, metadata, earned_at)
		VALUES ($1, $2, $3, $4)`,
		userID, badgeID, metaJSON, time.Now())
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return &AwardResult{Slug: slug, Awarded: false, Reason: "already_awarded"}, nil
		}
		return nil, err
	}

	log.Printf("[BADGE] Awarded %s to user %s", slug, userID)
	return &AwardResult{Slug: slug, Awarded: true}, nil
}

// EvaluateForEvent runs the rule table against one inbound event and attempts
// a grant for every matching rule.
func (s *BadgeService) EvaluateForEvent(ctx context.Context, eventType, userID string, metadata EventMetadata) ([]AwardResult, error) {
	results := []AwardResult{}
	for _, rule := range badgeRules {
		if rule.eventType != eventType || !rule.test(metadata) {
			continue
		}
		res, err := s.AwardBadge(ctx, userID, rule.slug, metadata)
		if err != nil {
			if err == ErrNotFound {
				log.Printf("[BADGE] Rule %s matched but badge is missing or inactive", rule.slug)
				continue
			}
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// ListUserBadges returns every badge a user has earned.
func (s *BadgeService) ListUserBadges(ctx context.Context, userID string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.slug, b.name, ub.earned_at
		FROM user_badges ub
		JOIN badges b ON b.id = ub.badge_id
		WHERE ub.user_id = $1
		ORDER BY ub.earned_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	badges := []map[string]any{}
	for rows.Next() {
		var slug, name string
		var earnedAt time.Time
		if err := rows.Scan(&slug, &name, &earnedAt); err != nil {
			return nil, err
		}
		badges = append(badges, map[string]any{
			"slug":      slug,
			"name":      name,
			"earned_at": earnedAt,
		})
	}
	return badges, rows.Err()
}

// UserBadges lists the authenticated user's badges
// @Summary List earned badges
// @Description Retrieve all badges earned by the authenticated user
// @Tags badges
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{badges=[]object,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /badges [get]
func (s *BadgeService) UserBadges(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	badges, err := s.ListUserBadges(r.Context(), userID)
	if err != nil {
		log.Printf("[BADGE] Failed to list badges for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch badges", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"badges": badges,
		"count":  len(badges),
	})
}
