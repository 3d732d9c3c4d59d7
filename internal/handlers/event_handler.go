package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/spf13/viper"
	"github.com/trollcity/backend/internal/services"
)

// Credit event types that also feed a badge rule group, and the badge event
// they translate to.
var creditBadgeEvents = map[string]string{
	"loan_full_payoff":     "loan_repaid",
	"loan_on_time_payment": "loan_repaid",
	"daily_checkin":        "checkin",
	"stream_session":       "stream",
	"trollcourt_win":       "trollcourt",
	"trollcourt_loss":      "trollcourt",
	"positive_reactions":   "reaction_given",
}

// Badge-only event types accepted on the ingestion endpoint.
var badgeOnlyEvents = map[string]bool{
	"gift_sent":         true,
	"checkin":           true,
	"stream":            true,
	"reaction_given":    true,
	"reaction_received": true,
	"trollcourt":        true,
	"moderation":        true,
	"loan_repaid":       true,
	"credit_score":      true,
}

// EventHandler is the generic behavior-ingestion endpoint: any subsystem
// (chat, streaming, moderation, loans) reports events here and they fan into
// the credit scoring and badge engines. The request schema is stable; new
// behaviors are new event types, not new endpoints.
type EventHandler struct {
	credit    *services.CreditService
	badges    *services.BadgeService
	validator *services.ValidationHelper
}

func NewEventHandler(credit *services.CreditService, badges *services.BadgeService) *EventHandler {
	return &EventHandler{
		credit:    credit,
		badges:    badges,
		validator: services.NewValidationHelper(),
	}
}

type ingestRequest struct {
	UserID        string         `json:"user_id" validate:"required"`
	EventType     string         `json:"event_type" validate:"required"`
	EventKey      string         `json:"event_key,omitempty"`
	OverrideDelta *int           `json:"override_delta,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Ingest records one behavioral event
// @Summary Ingest a behavior event
// @Description Report a scored or badge-relevant behavior event on behalf of a user; idempotent on event_key
// @Tags events
// @Accept json
// @Produce json
// @Param X-Service-Key header string true "Internal service shared secret"
// @Param request body ingestRequest true "Event payload"
// @Success 200 {object} object{success=bool,credit=services.CreditResult,badges=[]services.AwardResult}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /events [post]
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Service-Key") != viper.GetString("service.internal_key") {
		log.Printf("[EVENTS] Rejected ingest - bad service key from IP: %s", r.RemoteAddr)
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ingestRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	meta := parseEventMetadata(req.Metadata)

	var creditResult *services.CreditResult
	badgeEventType := ""

	if badgeOnlyEvents[req.EventType] && req.OverrideDelta == nil {
		badgeEventType = req.EventType
	} else {
		result, err := h.credit.RecordEvent(r.Context(), services.CreditEventRequest{
			UserID:        req.UserID,
			EventType:     req.EventType,
			EventKey:      req.EventKey,
			OverrideDelta: req.OverrideDelta,
			Metadata:      req.Metadata,
		})
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				services.SendErrorResponse(w, "Unknown event_type and no override_delta provided", http.StatusBadRequest, nil)
				return
			}
			log.Printf("[EVENTS] Credit event failed for %s: %v", req.UserID, err)
			services.SendErrorResponse(w, "Failed to record event", http.StatusInternalServerError, nil)
			return
		}
		creditResult = result

		if mapped, ok := creditBadgeEvents[req.EventType]; ok {
			badgeEventType = mapped
		} else if !result.Skipped {
			// Every applied credit event re-checks the score-threshold badges.
			badgeEventType = "credit_score"
			meta.Score = int64(result.Score)
		}
	}

	badgeResults := []services.AwardResult{}
	if badgeEventType != "" {
		results, err := h.badges.EvaluateForEvent(r.Context(), badgeEventType, req.UserID, meta)
		if err != nil {
			// Badge side effects are best-effort; the credit apply stands.
			log.Printf("[EVENTS] Badge evaluation failed for %s: %v", req.UserID, err)
		} else {
			badgeResults = results
		}
	}

	resp := map[string]any{
		"success": true,
		"badges":  badgeResults,
	}
	if creditResult != nil {
		resp["credit"] = creditResult
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// parseEventMetadata decodes the loosely-typed metadata blob into the typed
// counters the badge rules read. Unknown keys are dropped, non-numeric values
// for numeric fields decode to zero.
func parseEventMetadata(raw map[string]any) services.EventMetadata {
	var meta services.EventMetadata
	if raw == nil {
		return meta
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return meta
	}
	// Best effort: partial decode keeps whatever fields matched.
	_ = json.Unmarshal(data, &meta)
	return meta
}
