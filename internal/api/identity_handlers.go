package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-fts/internal/fts"
	"github.com/technosupport/ts-fts/internal/identity"
)

// maxEnrollImageBytes caps the uploaded enrollment photo.
const maxEnrollImageBytes = 8 << 20

// POST /api/v1/identities
//
// Multipart form: employee_id, name, image (JPEG or PNG file part).
func (s *Server) Enroll(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxEnrollImageBytes); err != nil {
		respondError(w, http.StatusBadRequest, "expected multipart form")
		return
	}

	employeeID := r.FormValue("employee_id")
	name := r.FormValue("name")
	if employeeID == "" {
		respondError(w, http.StatusBadRequest, "employee_id is required")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "image file part is required")
		return
	}
	defer file.Close()

	imageBytes, err := io.ReadAll(io.LimitReader(file, maxEnrollImageBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read image failed")
		return
	}

	res, err := s.Controller.Enroll(r.Context(), employeeID, name, imageBytes)
	if err != nil {
		respondError(w, enrollStatus(err), res.Message)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func enrollStatus(err error) int {
	switch {
	case errors.Is(err, fts.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, identity.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, fts.ErrNoFace), errors.Is(err, fts.ErrMultipleFaces):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// DELETE /api/v1/identities/{employeeID}
func (s *Server) RemoveIdentity(w http.ResponseWriter, r *http.Request) {
	employeeID := chi.URLParam(r, "employeeID")
	if employeeID == "" {
		respondError(w, http.StatusBadRequest, "missing employee id")
		return
	}

	res, err := s.Controller.RemoveIdentity(r.Context(), employeeID)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrNotFound):
			respondError(w, http.StatusNotFound, res.Message)
		case errors.Is(err, fts.ErrNotRunning):
			respondError(w, http.StatusConflict, res.Message)
		default:
			respondError(w, http.StatusInternalServerError, res.Message)
		}
		return
	}
	respondJSON(w, http.StatusOK, res)
}
