// Package api is the HTTP admin surface: lifecycle, discovery, enrollment,
// attendance reporting, config, live MJPEG/WebSocket streams and metrics.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-fts/internal/attendance"
	"github.com/technosupport/ts-fts/internal/fts"
	"github.com/technosupport/ts-fts/internal/middleware"
	"github.com/technosupport/ts-fts/internal/ws"
)

// Server holds the handler dependencies. Store, WSHub and Metrics may be
// nil; the matching endpoints answer 503 or 404 when the feature is off.
type Server struct {
	Controller *fts.Controller
	Store      attendance.Store
	WSHub      *ws.Hub
	Metrics    http.Handler
}

func NewServer(ctrl *fts.Controller) *Server {
	return &Server{Controller: ctrl}
}

// Router builds the chi mux with the standard middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS)

	r.Get("/healthz", s.Health)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/fts/start", s.Start)
		r.Post("/fts/stop", s.Stop)
		r.Post("/fts/restart", s.Restart)
		r.Get("/fts/status", s.Status)

		r.Post("/discovery/scan", s.DiscoveryScan)

		r.Post("/identities", s.Enroll)
		r.Delete("/identities/{employeeID}", s.RemoveIdentity)

		r.Get("/attendance", s.ListAttendance)
		r.Get("/attendance/{employeeID}", s.ListAttendanceByEmployee)

		r.Get("/config", s.GetConfig)
		r.Put("/config", s.PutConfig)
	})

	r.Get("/stream/{cameraID}", s.Stream)
	r.Get("/ws/detections/{cameraID}", s.Detections)

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// GET /healthz
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.Controller.Status().Running,
	})
}
