package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// parseRange reads from/to query params (RFC 3339). Defaults cover the
// last 24 hours, the usual shift-report window.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	from, to := now.Add(-24*time.Hour), now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, err
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, err
		}
		to = t
	}
	return from, to, nil
}

// GET /api/v1/attendance?from=...&to=...
func (s *Server) ListAttendance(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		respondError(w, http.StatusServiceUnavailable, "attendance store not configured")
		return
	}

	from, to, err := parseRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "from/to must be RFC 3339 timestamps")
		return
	}

	events, err := s.Store.ListByRange(r.Context(), from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"meta": map[string]any{
			"from":  from,
			"to":    to,
			"count": len(events),
		},
	})
}

// GET /api/v1/attendance/{employeeID}?from=...&to=...
func (s *Server) ListAttendanceByEmployee(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		respondError(w, http.StatusServiceUnavailable, "attendance store not configured")
		return
	}

	employeeID := chi.URLParam(r, "employeeID")
	from, to, err := parseRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "from/to must be RFC 3339 timestamps")
		return
	}

	events, err := s.Store.ListByEmployee(r.Context(), employeeID, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"employee_id": employeeID,
		"events":      events,
		"recent":      s.Controller.RecentFor(r.Context(), employeeID),
	})
}
