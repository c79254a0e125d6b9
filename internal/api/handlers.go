package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/crawl-supervisor/internal/aggregator"
	"github.com/user/crawl-supervisor/internal/domain"
	"github.com/user/crawl-supervisor/internal/runs"
)

func (s *Server) handleScrapeRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.ScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	run, err := s.runs.Submit(r.Context(), req.URL)
	if err != nil {
		var te *domain.TargetError
		switch {
		case errors.As(err, &te):
			s.respondWithError(w, http.StatusBadRequest, te.Error())
		case errors.Is(err, runs.ErrDomainBusy):
			s.respondWithError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("failed to submit scrape", zap.String("url", req.URL), zap.Error(err))
			s.respondWithError(w, http.StatusInternalServerError, "Could not start scrape")
		}
		return
	}

	s.respondWithJSON(w, http.StatusAccepted, domain.ScrapeResponse{
		RunID:  run.ID,
		Domain: run.Domain,
		Status: domain.StatusRunning,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	list, err := s.runs.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not list runs")
		return
	}
	s.respondWithJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.runs.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "Run not found")
			return
		}
		s.logger.Error("failed to get run status", zap.String("run_id", id), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not retrieve status")
		return
	}
	s.respondWithJSON(w, http.StatusOK, status)
}

// downloadResponse is the base64 form of a bundle.
type downloadResponse struct {
	aggregator.Download
	DataURI string `json:"data_uri"`
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.runs.Download(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "Bundle not found")
			return
		}
		s.logger.Error("failed to get bundle", zap.String("run_id", id), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not retrieve bundle")
		return
	}

	if r.URL.Query().Get("format") == "base64" {
		s.respondWithJSON(w, http.StatusOK, downloadResponse{Download: d, DataURI: d.DataURI()})
		return
	}

	blob, err := aggregator.Decode(d)
	if err != nil {
		s.logger.Error("corrupt bundle", zap.String("run_id", id), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not retrieve bundle")
		return
	}
	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(blob)); err != nil {
		s.logger.Debug("bundle write failed", zap.Error(err))
	}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthStatus := map[string]string{"status": "ok"}
	isHealthy := true
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			healthStatus[name] = "unhealthy"
			isHealthy = false
			s.logger.Error("health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		healthStatus[name] = "healthy"
	}

	if !isHealthy {
		healthStatus["status"] = "degraded"
		s.respondWithJSON(w, http.StatusServiceUnavailable, healthStatus)
		return
	}
	s.respondWithJSON(w, http.StatusOK, healthStatus)
}

// --- Helper Functions ---

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]string{"error": message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		code = http.StatusInternalServerError
		response = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
