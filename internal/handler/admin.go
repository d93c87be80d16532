package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fieldgate/fieldgate/internal/middleware"
	"github.com/fieldgate/fieldgate/internal/repository"
)

// --- Admin handlers ---
// All of these sit behind RequireAuth + RequireAdmin; they are not
// device-bound and do not pass through the gateway.

// AdminRevokeUserTokens handles POST /api/v1/admin/users/{userId}/revoke-tokens
func (h *Handler) AdminRevokeUserTokens(w http.ResponseWriter, r *http.Request) {
	targetUserID := r.PathValue("userId")
	if targetUserID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "User ID is required")
		return
	}

	revoked, err := h.tokenSvc.RevokeAllUserTokens(r.Context(), targetUserID)
	if err != nil {
		h.log.Error().Err(err).Str("target_user_id", targetUserID).Msg("admin token revocation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Token revocation failed")
		return
	}

	admin := middleware.PrincipalFrom(r.Context())
	h.log.Info().
		Str("admin_user_id", admin.User.ID).
		Str("target_user_id", targetUserID).
		Int("revoked", revoked).
		Msg("admin revoked user tokens")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "User tokens revoked",
		"userId":  targetUserID,
		"revoked": revoked,
	})
}

// AdminCleanupTokens handles POST /api/v1/admin/maintenance/tokens.
// Reclaims expired and orphaned token pairs.
func (h *Handler) AdminCleanupTokens(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := h.tokenSvc.CleanupExpiredTokens(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("token cleanup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Token cleanup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Expired token pairs reclaimed",
		"reclaimed": reclaimed,
	})
}

// AdminCleanupTrust handles POST /api/v1/admin/maintenance/trust.
// Clears trust flags whose window has lapsed.
func (h *Handler) AdminCleanupTrust(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.deviceSvc.CleanupExpiredTrust(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("trust cleanup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Trust cleanup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Expired device trust cleared",
		"cleared": cleared,
	})
}

// AdminListEvents handles GET /api/v1/admin/events
func (h *Handler) AdminListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	events, err := h.eventSvc.ListEvents(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("event list failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// AdminEventStats handles GET /api/v1/admin/events/stats
func (h *Handler) AdminEventStats(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "since must be RFC 3339")
			return
		}
		since = parsed
	}

	stats, err := h.eventSvc.EventStats(r.Context(), since)
	if err != nil {
		h.log.Error().Err(err).Msg("event stats failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to compute event stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since": since,
		"stats": stats,
	})
}

func eventFilterFromQuery(r *http.Request) (repository.EventFilter, error) {
	q := r.URL.Query()
	filter := repository.EventFilter{
		UserID:    q.Get("userId"),
		EventType: q.Get("type"),
	}

	if raw := q.Get("minRisk"); raw != "" {
		minRisk, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, errInvalidQuery("minRisk must be a number")
		}
		filter.MinRisk = minRisk
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errInvalidQuery("since must be RFC 3339")
		}
		filter.Since = since
	}
	if raw := q.Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errInvalidQuery("until must be RFC 3339")
		}
		filter.Until = until
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, errInvalidQuery("limit must be a positive integer")
		}
		filter.Limit = limit
	}

	return filter, nil
}

type errInvalidQuery string

func (e errInvalidQuery) Error() string { return string(e) }
