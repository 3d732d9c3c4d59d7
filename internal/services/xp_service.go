package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/trollcity/backend/internal/config"
	"github.com/trollcity/backend/internal/models"
)

// Level milestones. Lookup returns the last milestone passed; the gaps above
// level 10 are intentional and there is no interpolation between them.
var levelThresholds = []struct {
	Level int
	XP    int64
}{
	{1, 0},
	{2, 500},
	{3, 1500},
	{4, 3000},
	{5, 5000},
	{6, 8000},
	{7, 12000},
	{8, 17000},
	{9, 23000},
	{10, 30000},
	{15, 70000},
	{20, 150000},
	{25, 250000},
	{30, 400000},
}

func levelForXP(xp int64) int {
	for i := len(levelThresholds) - 1; i >= 0; i-- {
		if xp >= levelThresholds[i].XP {
			return levelThresholds[i].Level
		}
	}
	return 1
}

// nextMilestone returns the next threshold above the given XP, or ok=false at
// the top of the table.
func nextMilestone(xp int64) (level int, required int64, ok bool) {
	for _, t := range levelThresholds {
		if t.XP > xp {
			return t.Level, t.XP, true
		}
	}
	return 0, 0, false
}

// XPResult reports the outcome of one XP grant.
type XPResult struct {
	LeveledUp bool  `json:"leveled_up"`
	NewLevel  int   `json:"new_level"`
	NewXP     int64 `json:"new_xp"`
}

// XPService derives experience from coin flow and applies level-up side
// effects. XP amounts are derived, never caller-chosen: gifter XP is
// coins/10, streamer XP is coins/12.
type XPService struct {
	db     *sql.DB
	badges *BadgeService
	cfg    *config.EconomyConfig
}

func NewXPService(db *sql.DB, badges *BadgeService, cfg *config.EconomyConfig) *XPService {
	return &XPService{
		db:     db,
		badges: badges,
		cfg:    cfg,
	}
}

// GrantXP adds XP to a user and, on a level increase, grants the badge for
// the new level. Level is monotonic non-decreasing.
func (s *XPService) GrantXP(ctx context.Context, userID, role string, amount int64) (*XPResult, error) {
	if role != "gifter" && role != "streamer" {
		return nil, fmt.Errorf("unknown xp role %q", role)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("xp amount must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var currentXP int64
	var currentLevel int
	err = tx.QueryRow(`
		SELECT xp, level FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&currentXP, &currentLevel)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	newXP := currentXP + amount
	newLevel := levelForXP(newXP)
	if newLevel < currentLevel {
		newLevel = currentLevel
	}

	_, err = tx.Exec(`
		UPDATE accounts SET xp = $1, level = $2, updated_at = $3 WHERE user_id = $4`,
		newXP, newLevel, time.Now(), userID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	leveledUp := newLevel > currentLevel
	if leveledUp {
		slug := fmt.Sprintf("%s-level-%d", role, newLevel)
		if _, err := s.badges.AwardBadge(ctx, userID, slug, EventMetadata{}); err != nil {
			// Badge issuance is best-effort; the XP update stands.
			log.Printf("[XP] Level badge %s failed for %s: %v", slug, userID, err)
		}
		log.Printf("[XP] User %s leveled up to %d (%s)", userID, newLevel, role)
	}

	return &XPResult{LeveledUp: leveledUp, NewLevel: newLevel, NewXP: newXP}, nil
}

// ProcessGiftXP applies both sides of a gift's XP and records hall-of-fame
// entries for single gifts at or above the threshold. Failures are logged and
// swallowed; the transfer has already committed.
func (s *XPService) ProcessGiftXP(ctx context.Context, senderID, receiverID string, coins int64) {
	if gifterXP := coins / s.cfg.GifterXPDivisor; gifterXP > 0 {
		if _, err := s.GrantXP(ctx, senderID, "gifter", gifterXP); err != nil {
			log.Printf("[XP] Gifter XP grant failed for %s: %v", senderID, err)
		}
	}

	if streamerXP := coins / s.cfg.StreamerXPDivisor; streamerXP > 0 {
		if _, err := s.GrantXP(ctx, receiverID, "streamer", streamerXP); err != nil {
			log.Printf("[XP] Streamer XP grant failed for %s: %v", receiverID, err)
		}
	}

	if coins >= s.cfg.HallOfFameThreshold {
		if err := s.recordHallOfFame(ctx, senderID, receiverID, coins); err != nil {
			log.Printf("[XP] Hall of fame insert failed for %s: %v", senderID, err)
		}
	}
}

func (s *XPService) recordHallOfFame(ctx context.Context, senderID, receiverID string, amount int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hall_of_fame (sender_id, receiver_id, amount, created_at)
		VALUES ($1, $2, $3, $4)`,
		senderID, receiverID, amount, time.Now())
	return err
}

// ListHallOfFame returns the largest recorded gifts, newest first.
func (s *XPService) ListHallOfFame(ctx context.Context, limit int) ([]models.HallOfFameEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, amount, created_at
		FROM hall_of_fame
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.HallOfFameEntry{}
	for rows.Next() {
		var e models.HallOfFameEntry
		if err := rows.Scan(&e.ID, &e.SenderID, &e.ReceiverID, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LevelProgress returns the authenticated user's level and next milestone
// @Summary Get level progress
// @Description Retrieve current XP, level, and the next level milestone
// @Tags xp
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{xp=int64,level=int,nextLevel=int,xpRequired=int64,xpRemaining=int64}
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /xp/progress [get]
func (s *XPService) LevelProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var xp int64
	var level int
	err := s.db.QueryRowContext(r.Context(), `
		SELECT xp, level FROM accounts WHERE user_id = $1`, userID).Scan(&xp, &level)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[XP] Level progress failed for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch level progress", http.StatusInternalServerError, nil)
		return
	}

	resp := map[string]any{
		"xp":    xp,
		"level": level,
	}
	if nextLevel, required, ok := nextMilestone(xp); ok {
		resp["nextLevel"] = nextLevel
		resp["xpRequired"] = required
		resp["xpRemaining"] = required - xp
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HallOfFame lists the permanent records of the largest gifts
// @Summary List hall of fame
// @Description Retrieve the permanent records of gifts at or above the hall-of-fame threshold
// @Tags xp
// @Produce json
// @Success 200 {object} object{entries=[]models.HallOfFameEntry,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /hall-of-fame [get]
func (s *XPService) HallOfFame(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ListHallOfFame(r.Context(), 50)
	if err != nil {
		log.Printf("[XP] Hall of fame list failed: %v", err)
		SendErrorResponse(w, "Failed to fetch hall of fame", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
