package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

// MaintenanceResult is the status returned to the scheduler.
type MaintenanceResult struct {
	TrendsUpdated int `json:"trends_updated"`
	Penalized     int `json:"penalized"`
}

// MaintenanceService is the daily batch job: it rewrites the 7-day trend for
// every credit record from the event log and applies inactivity penalties.
// Decoupled from the real-time scoring path; invoked once a day by an
// external scheduler.
type MaintenanceService struct {
	db     *sql.DB
	credit *CreditService
}

func NewMaintenanceService(db *sql.DB, credit *CreditService) *MaintenanceService {
	return &MaintenanceService{
		db:     db,
		credit: credit,
	}
}

// RunDaily recomputes derived credit fields across all users. Safe to re-run
// within the same day: trend rewrites are idempotent and inactivity penalties
// carry date-scoped event keys.
func (s *MaintenanceService) RunDaily(ctx context.Context) (*MaintenanceResult, error) {
	result := &MaintenanceResult{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, last_event_at FROM user_credit`)
	if err != nil {
		return nil, err
	}

	type creditRow struct {
		userID      string
		lastEventAt *time.Time
	}
	users := []creditRow{}
	for rows.Next() {
		var row creditRow
		if err := rows.Scan(&row.userID, &row.lastEventAt); err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := time.Now()
	for _, u := range users {
		trend, err := s.credit.ComputeTrend7d(ctx, u.userID)
		if err != nil {
			log.Printf("[MAINTENANCE] Trend recompute failed for %s: %v", u.userID, err)
			continue
		}

		_, err = s.db.ExecContext(ctx, `
			UPDATE user_credit SET trend_7d = $1, updated_at = $2 WHERE user_id = $3`,
			trend, now, u.userID)
		if err != nil {
			log.Printf("[MAINTENANCE] Trend update failed for %s: %v", u.userID, err)
			continue
		}
		result.TrendsUpdated++

		if eventType := inactivityTier(u.lastEventAt, now); eventType != "" {
			res, err := s.credit.RecordEvent(ctx, CreditEventRequest{
				UserID:    u.userID,
				EventType: eventType,
				// One penalty per tier per user per day, no matter how often
				// the job re-runs.
				EventKey: fmt.Sprintf("%s:%s:%s", eventType, u.userID, now.Format("2006-01-02")),
			})
			if err != nil {
				log.Printf("[MAINTENANCE] Inactivity penalty failed for %s: %v", u.userID, err)
				continue
			}
			if !res.Skipped {
				result.Penalized++
			}
		}
	}

	log.Printf("[MAINTENANCE] Daily run complete: %d trends updated, %d users penalized",
		result.TrendsUpdated, result.Penalized)
	return result, nil
}

// inactivityTier picks the deepest inactivity penalty the user qualifies for,
// or empty when active within 3 days.
func inactivityTier(lastEventAt *time.Time, now time.Time) string {
	if lastEventAt == nil {
		return ""
	}
	idle := now.Sub(*lastEventAt)
	switch {
	case idle >= 14*24*time.Hour:
		return "inactivity_14d"
	case idle >= 7*24*time.Hour:
		return "inactivity_7d"
	case idle >= 3*24*time.Hour:
		return "inactivity_3d"
	default:
		return ""
	}
}

// TriggerDaily runs the daily maintenance job
// @Summary Run daily maintenance
// @Description Recompute 7-day trends and apply inactivity penalties across all users; called by the scheduler
// @Tags admin
// @Produce json
// @Param X-Admin-Key header string true "Scheduler shared secret"
// @Success 200 {object} MaintenanceResult
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /admin/maintenance/daily [post]
func (s *MaintenanceService) TriggerDaily(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Admin-Key") != viper.GetString("admin.api_key") {
		log.Printf("[MAINTENANCE] Rejected trigger - bad admin key from IP: %s", r.RemoteAddr)
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	result, err := s.RunDaily(r.Context())
	if err != nil {
		log.Printf("[MAINTENANCE] Daily run failed: %v", err)
		SendErrorResponse(w, "Maintenance run failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
