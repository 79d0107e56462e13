package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/aristath/appforge/internal/aggregate"
	"github.com/aristath/appforge/internal/orchestrator"
	"github.com/aristath/appforge/internal/project"
	"github.com/aristath/appforge/internal/scheduler"
)

// UserHeader carries the requesting user's identifier.
const UserHeader = "X-User-ID"

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type startResponse struct {
	RunID string `json:"run_id"`
}

type cancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", UptimeSeconds: s.uptimeSeconds()})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")

	reader := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	var cfg project.Config
	if err := json.Unmarshal(body, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !cfg.Template.Valid() {
		if t, err := project.ParseTemplate(string(cfg.Template)); err == nil {
			cfg.Template = t
		}
	}

	runID, err := s.opts.Runs.Start(r.Context(), orchestrator.StartRequest{
		ProjectID: projectID,
		UserID:    r.Header.Get(UserHeader),
		Config:    cfg,
	})
	var verr *scheduler.ValidationError
	switch {
	case err == nil:
		s.logger.Info("generation started", "run_id", runID, "project_id", projectID)
		writeJSON(w, http.StatusAccepted, startResponse{RunID: runID})
	case errors.Is(err, orchestrator.ErrRunActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("start failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	snap, err := s.opts.Runs.Status(runID)
	if errors.Is(err, orchestrator.ErrRunNotFound) && s.opts.History != nil {
		snap, err = s.opts.History.GetRun(r.Context(), runID)
	}
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.files(r, r.PathValue("runID"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	infos := make([]aggregate.Info, 0, len(files))
	for _, f := range files {
		infos = append(infos, aggregate.Info{Path: f.Path, TaskID: f.TaskID, Size: f.Size})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	p, err := aggregate.ValidatePath(r.PathValue("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	files, err := s.files(r, r.PathValue("runID"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	for _, f := range files {
		if f.Path == p {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, f.Content)
			return
		}
	}
	writeError(w, http.StatusNotFound, "file not found")
}

func (s *Server) files(r *http.Request, runID string) ([]aggregate.GeneratedFile, error) {
	files, err := s.opts.Runs.Files(runID)
	if errors.Is(err, orchestrator.ErrRunNotFound) && s.opts.History != nil {
		return s.opts.History.GetFiles(r.Context(), runID)
	}
	return files, err
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	err := s.opts.Runs.Cancel(runID)
	if errors.Is(err, orchestrator.ErrRunNotFound) && s.opts.History != nil {
		if _, herr := s.opts.History.GetRun(r.Context(), runID); herr == nil {
			err = orchestrator.ErrRunFinished
		}
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, cancelResponse{RunID: runID, Status: "cancelling"})
	case errors.Is(err, orchestrator.ErrRunFinished):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeLookupError(w, err)
	}
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
