package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-fts/internal/mjpeg"
)

// GET /stream/{cameraID}
//
// MJPEG stream; held open until the client disconnects or the camera's
// pipeline is torn down.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")
	pub, err := s.Controller.Publisher(cameraID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no such camera stream")
		return
	}
	mjpeg.ServeStream(w, r, pub)
}

// GET /ws/detections/{cameraID}
func (s *Server) Detections(w http.ResponseWriter, r *http.Request) {
	if s.WSHub == nil {
		respondError(w, http.StatusNotFound, "detection streaming disabled")
		return
	}
	s.WSHub.Serve(w, r, chi.URLParam(r, "cameraID"))
}
