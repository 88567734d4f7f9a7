package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/codythatsme/i-migrate-sub000/internal/authz"
	"github.com/codythatsme/i-migrate-sub000/internal/engine"
	"github.com/codythatsme/i-migrate-sub000/internal/imis"
	"github.com/codythatsme/i-migrate-sub000/internal/models"
	"github.com/codythatsme/i-migrate-sub000/internal/repository"
	"github.com/codythatsme/i-migrate-sub000/internal/session"
)

// Runner is the engine surface the job handlers drive. *engine.Engine
// satisfies it.
type Runner interface {
	Run(ctx context.Context, jobID string) error
	Cancel(jobID string) error
	Delete(jobID string) error
	RetryFailedRows(ctx context.Context, jobID string) (engine.RetryResult, error)
	RetrySingleRow(ctx context.Context, rowID string) (bool, *models.RowWithAttempt, error)
	RetryFailedOffsets(ctx context.Context, jobID string) (engine.OffsetRetryResult, error)
}

type JobHandler struct {
	jobs   repository.JobRepository
	rows   repository.RowRepository
	runner Runner
	logger zerolog.Logger
}

func NewJobHandler(jobs repository.JobRepository, rows repository.RowRepository, runner Runner, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		jobs:   jobs,
		rows:   rows,
		runner: runner,
		logger: logger,
	}
}

type createJobRequest struct {
	Name                     string                 `json:"name"`
	Mode                     models.JobMode         `json:"mode"`
	SourceEnvironmentID      string                 `json:"source_environment_id"`
	SourceQueryPath          *string                `json:"source_query_path"`
	SourceEntityType         *string                `json:"source_entity_type"`
	DestinationEnvironmentID string                 `json:"destination_environment_id"`
	DestinationEntityType    string                 `json:"destination_entity_type"`
	DestinationKind          models.DestinationKind `json:"destination_kind"`
	FieldMappings            []models.FieldMapping  `json:"field_mappings"`
}

func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	job := models.Job{
		Name:                     req.Name,
		Mode:                     req.Mode,
		SourceEnvironmentID:      req.SourceEnvironmentID,
		SourceQueryPath:          req.SourceQueryPath,
		SourceEntityType:         req.SourceEntityType,
		DestinationEnvironmentID: req.DestinationEnvironmentID,
		DestinationEntityType:    req.DestinationEntityType,
		DestinationKind:          req.DestinationKind,
		FieldMappings:            req.FieldMappings,
	}
	if err := job.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.jobs.Create(job)
	if err != nil {
		http.Error(w, "Failed to create job: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if userID, ok := authz.UserIDFromRequest(r); ok {
		h.logger.Info().Str("user", userID).Str("job", created.ID).Msg("job created")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}

func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.ListWithStats()
	if err != nil {
		http.Error(w, "Failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.jobs.Get(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

func (h *JobHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.runner.Run(r.Context(), id); err != nil {
		h.writeEngineError(w, "Failed to run job", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]bool{"started": true})
}

func (h *JobHandler) RetryFailedRows(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := h.runner.RetryFailedRows(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to retry rows", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *JobHandler) RetrySingleRow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, row, err := h.runner.RetrySingleRow(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to retry row", err)
		return
	}

	resp := struct {
		Success bool                   `json:"success"`
		Row     *models.RowWithAttempt `json:"row"`
	}{Success: ok, Row: row}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *JobHandler) RetryFailedOffsets(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := h.runner.RetryFailedOffsets(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to retry offsets", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.runner.Cancel(id); err != nil {
		h.writeEngineError(w, "Failed to cancel job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.runner.Delete(id); err != nil {
		h.writeEngineError(w, "Failed to delete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobHandler) ListJobRows(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := 50
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil {
			offset = v
		}
	}

	var statusFilter *models.RowStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status := models.RowStatus(s)
		if status != models.RowStatusSuccess && status != models.RowStatusFailed {
			http.Error(w, "Invalid status filter", http.StatusBadRequest)
			return
		}
		statusFilter = &status
	}

	rows, total, err := h.rows.ListByJob(id, statusFilter, limit, offset)
	if err != nil {
		http.Error(w, "Failed to list rows: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []models.Row{}
	}

	resp := struct {
		Rows  []models.Row `json:"rows"`
		Total int64        `json:"total"`
	}{Rows: rows, Total: total}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *JobHandler) ListRowAttempts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.rows.Get(id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Row not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get row: "+err.Error(), http.StatusInternalServerError)
		return
	}

	attempts, err := h.rows.ListAttempts(id)
	if err != nil {
		http.Error(w, "Failed to list attempts: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(attempts)
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses: 404
// for unknown ids, 409 for state conflicts, 412 for locked credentials, 502
// when the remote platform rejected us, 400 for configuration defects.
func (h *JobHandler) writeEngineError(w http.ResponseWriter, prefix string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyRunning), errors.Is(err, engine.ErrRowNotFailed):
		status = http.StatusConflict
	case errors.Is(err, session.ErrMissingCredentials):
		status = http.StatusPreconditionFailed
	default:
		var migErr *engine.MigrationError
		var apiErr *imis.APIError
		if errors.As(err, &migErr) {
			status = http.StatusBadRequest
		} else if errors.As(err, &apiErr) {
			status = http.StatusBadGateway
		}
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg(prefix)
	}
	http.Error(w, prefix+": "+err.Error(), status)
}
