package api

import (
	"errors"
	"io"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-fts/internal/config"
)

// POST /api/v1/fts/start
func (s *Server) Start(w http.ResponseWriter, r *http.Request) {
	res, err := s.Controller.Start(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, res.Message)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// POST /api/v1/fts/stop
func (s *Server) Stop(w http.ResponseWriter, r *http.Request) {
	res, err := s.Controller.Stop(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, res.Message)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// POST /api/v1/fts/restart
func (s *Server) Restart(w http.ResponseWriter, r *http.Request) {
	res, err := s.Controller.Restart(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, res.Message)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GET /api/v1/fts/status
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.Controller.Status())
}

// POST /api/v1/discovery/scan
func (s *Server) DiscoveryScan(w http.ResponseWriter, r *http.Request) {
	devices, err := s.Controller.Discover(r.Context())
	if err != nil {
		// Partial results with a deadline error are still worth returning.
		respondJSON(w, http.StatusOK, map[string]any{
			"devices": devices,
			"warning": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// GET /api/v1/config
//
// Configs travel as YAML, the same shape as the file on disk.
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	out, err := yaml.Marshal(redact(s.Controller.Snapshot()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// PUT /api/v1/config
func (s *Server) PutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read body failed")
		return
	}

	// YAML is a superset of JSON, so either serialization works here.
	next := config.Defaults()
	if err := yaml.Unmarshal(body, &next); err != nil {
		respondError(w, http.StatusBadRequest, "invalid config payload")
		return
	}
	if err := next.Validate(); err != nil {
		if errors.Is(err, config.ErrConfigInvalid) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	res, err := s.Controller.ApplyConfig(r.Context(), next)
	if err != nil {
		respondError(w, http.StatusInternalServerError, res.Message)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// redact blanks credentials before a config leaves the process.
func redact(c config.Config) config.Config {
	c.Store.Password = ""
	for i := range c.Cameras {
		c.Cameras[i].Password = ""
	}
	return c
}
