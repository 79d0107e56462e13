package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/orchestrator"
)

// handleEvents replays the run's history after Last-Event-ID (or ?after=)
// and then follows live events until the stream closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	after, err := resumePoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	em, err := s.opts.Runs.Emitter(runID)
	if errors.Is(err, orchestrator.ErrRunNotFound) && s.opts.History != nil {
		evs, herr := s.opts.History.GetEvents(r.Context(), runID)
		if herr != nil {
			s.writeLookupError(w, herr)
			return
		}
		startStream(w, flusher)
		for _, e := range evs {
			if e.Metadata().Seq <= after {
				continue
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
		}
		flusher.Flush()
		return
	}
	if err != nil {
		s.writeLookupError(w, err)
		return
	}

	startStream(w, flusher)
	seq := after
	for {
		evs, done, err := em.Next(r.Context(), seq)
		if err != nil {
			return // client went away
		}
		for _, e := range evs {
			if err := writeEvent(w, e); err != nil {
				s.logger.Debug("event stream write failed", "run_id", runID, "error", err)
				return
			}
			seq = e.Metadata().Seq
		}
		flusher.Flush()
		if done {
			return
		}
	}
}

func resumePoint(r *http.Request) (uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid event id %q", raw)
	}
	return seq, nil
}

func startStream(w http.ResponseWriter, flusher http.Flusher) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
}

func writeEvent(w io.Writer, e events.Event) error {
	data, err := events.Encode(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Metadata().Seq, e.EventType(), data)
	return err
}
