package handlers

import (
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/expense-assistant/internal/api/middleware"
	"github.com/dvloznov/expense-assistant/internal/ledger"
	"github.com/go-chi/chi/v5"
)

// UsageHandler serves usage reports and the tracker lifecycle hooks.
type UsageHandler struct {
	ledger UsageLedger
}

// NewUsageHandler creates a usage handler.
func NewUsageHandler(usage UsageLedger) *UsageHandler {
	return &UsageHandler{ledger: usage}
}

// DailyUsage handles GET /api/usage/daily
func (h *UsageHandler) DailyUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := middleware.GetUserID(ctx)

	today := h.ledger.Today()
	from, to := today, today

	if s := r.URL.Query().Get("from"); s != "" {
		d, err := civil.ParseDate(s)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid from date format")
			return
		}
		from = d
	}
	if s := r.URL.Query().Get("to"); s != "" {
		d, err := civil.ParseDate(s)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid to date format")
			return
		}
		to = d
	}

	buckets, err := h.ledger.DailyUsage(ctx, userID, r.URL.Query().Get("tracker_id"), from, to)
	if err != nil {
		writeFailure(w, r, err, "Failed to query usage")
		return
	}
	if buckets == nil {
		buckets = []ledger.DailyBucket{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"buckets": buckets,
		"count":   len(buckets),
	})
}

// MarkTrackerDeleted handles POST /api/trackers/{trackerID}/deleted.
// The tracker hooks only touch the caller's own history.
func (h *UsageHandler) MarkTrackerDeleted(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	if err := h.ledger.MarkTrackerDeleted(r.Context(), userID, chi.URLParam(r, "trackerID")); err != nil {
		writeFailure(w, r, err, "Failed to mark tracker deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenameTracker handles PUT /api/trackers/{trackerID}
func (h *UsageHandler) RenameTracker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := decodeBody(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID, _ := middleware.GetUserID(r.Context())
	if err := h.ledger.RenameTracker(r.Context(), userID, chi.URLParam(r, "trackerID"), req.Name, req.Type); err != nil {
		writeFailure(w, r, err, "Failed to rename tracker")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PurgeTracker handles DELETE /api/trackers/{trackerID}/usage
func (h *UsageHandler) PurgeTracker(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	if err := h.ledger.PurgeTracker(r.Context(), userID, chi.URLParam(r, "trackerID")); err != nil {
		writeFailure(w, r, err, "Failed to purge tracker usage")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PurgeUser handles DELETE /api/users/{userID}/usage. Callers may only purge themselves.
func (h *UsageHandler) PurgeUser(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "userID")
	if caller, _ := middleware.GetUserID(r.Context()); caller != target {
		middleware.WriteError(w, http.StatusForbidden, "Cannot purge another user's usage")
		return
	}

	if err := h.ledger.PurgeUser(r.Context(), target); err != nil {
		writeFailure(w, r, err, "Failed to purge user usage")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
