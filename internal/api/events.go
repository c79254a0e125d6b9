package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/crawl-supervisor/internal/domain"
	"github.com/user/crawl-supervisor/internal/stream"
)

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// handleRunEvents streams a run's events. A client joining late gets the
// history first; the stream ends after the done event. Runs that only exist
// in the store get a single done event.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondWithError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	run, ok := s.runs.Get(id)
	if !ok {
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
		setSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
		if err := writeEvent(w, stream.Event{Type: domain.EventDone, Data: status}); err != nil {
			s.logger.Debug("SSE write failed", zap.Error(err))
		}
		flusher.Flush()
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := run.Events().Subscribe()
	defer cancel()

	logger := s.logger.With(zap.String("run_id", id))
	logger.Debug("SSE client connected", zap.String("remote_addr", r.RemoteAddr))

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				logger.Debug("SSE event channel closed")
				return
			}
			if err := writeEvent(w, ev); err != nil {
				logger.Debug("SSE write failed (client likely disconnected)", zap.Error(err))
				return
			}
			flusher.Flush()
			if ev.Type == domain.EventDone {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
				logger.Debug("SSE heartbeat failed (client disconnected)")
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			logger.Debug("SSE client request context cancelled")
			return
		}
	}
}

// writeEvent writes one event in text/event-stream framing.
func writeEvent(w io.Writer, ev stream.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if ev.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}
	return nil
}
