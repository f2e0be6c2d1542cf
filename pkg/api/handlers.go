package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/jobdef"
)

const maxBodyBytes = 1 << 20

type SubmitJobRequest struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// JobOutput carries the result payload base64-encoded.
type JobOutput struct {
	ID     int64        `json:"id"`
	JobID  domain.JobID `json:"job_id"`
	Output []byte       `json:"output"`
}

type Definition struct {
	Name        string           `json:"name"`
	Kind        string           `json:"kind"`
	Description string           `json:"description,omitempty"`
	Source      string           `json:"source,omitempty"`
	InputSchema *openapi3.Schema `json:"input_schema"`
}

type JobUpdate struct {
	Type      string           `json:"type"`
	JobID     domain.JobID     `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	UpdatedAt *time.Time       `json:"updated_at"`
}

type ErrorResponse struct {
	Detail string              `json:"detail"`
	Reason string              `json:"reason,omitempty"`
	Issues []jobdef.FieldIssue `json:"issues,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.jobs.Ping(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "version": s.version})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "Invalid request body", Reason: err.Error()})
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	job, err := s.jobs.Submit(r.Context(), req.Name, req.Input)
	var verr *jobdef.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, job)
	case errors.Is(err, domain.ErrUnknownJobType):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "Job with that name is not defined."})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Detail: "Job validation failed", Issues: verr.Issues})
	case errors.Is(err, domain.ErrValidationFailed):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "Job validation failed", Reason: strings.TrimPrefix(err.Error(), domain.ErrValidationFailed.Error()+": ")})
	default:
		s.internalError(w, "failed to submit job", err)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, job)
	case errors.Is(err, domain.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Detail: "Job not found"})
	default:
		s.internalError(w, "failed to get job", err)
	}
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	out, err := s.jobs.Result(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, JobOutput{ID: out.ID, JobID: out.JobID, Output: out.Output})
	case errors.Is(err, domain.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Detail: "Job not found"})
	case errors.Is(err, domain.ErrJobPending):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Detail: "Job is pending"})
	case errors.Is(err, domain.ErrJobInProgress):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Detail: "Job is in progress"})
	case errors.Is(err, domain.ErrJobFailed):
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Job failed"})
	case errors.Is(err, domain.ErrNoResult):
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Job finished, but there's no result"})
	default:
		s.internalError(w, "failed to get job result", err)
	}
}

// handleWatchJob upgrades to a websocket and sends a JobUpdate for every
// status change until the job is done or failed.
func (s *Server) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, err := s.jobs.Watch(ctx, id, s.watchPoll)
	if errors.Is(err, domain.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Detail: "Job not found"})
		return
	}
	if err != nil {
		s.internalError(w, "failed to watch job", err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	// The client never sends; reading only detects that it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for job := range updates {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := conn.WriteJSON(JobUpdate{Type: "job_update", JobID: job.ID, Status: job.Status, UpdatedAt: job.UpdatedAt})
		if err != nil {
			s.logger.Debug("websocket write failed", "job_id", id, "error", err)
			return
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "watch finished"),
		time.Now().Add(time.Second))
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs := s.jobs.Definitions()
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		out = append(out, Definition{
			Name:        d.Name(),
			Kind:        d.Kind(),
			Description: d.Description(),
			Source:      d.Source(),
			InputSchema: d.Schema(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.internalError(w, "failed to read stats", err)
		return
	}
	out := map[domain.JobStatus]int{
		domain.JobStatusPending:    0,
		domain.JobStatusInProgress: 0,
		domain.JobStatusDone:       0,
		domain.JobStatusFailed:     0,
	}
	for status, n := range stats {
		out[status] = n
	}
	writeJSON(w, http.StatusOK, out)
}

// jobID binds the {id} path parameter, writing a 400 when it is malformed.
func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (domain.JobID, bool) {
	var id int64
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Detail: "Invalid format for parameter id",
			Reason: err.Error(),
		})
		return 0, false
	}
	return domain.JobID(id), true
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "Internal server error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
