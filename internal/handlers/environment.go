package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/codythatsme/i-migrate-sub000/internal/imis"
	"github.com/codythatsme/i-migrate-sub000/internal/models"
	"github.com/codythatsme/i-migrate-sub000/internal/repository"
	"github.com/codythatsme/i-migrate-sub000/internal/session"
)

type EnvironmentHandler struct {
	repo     repository.EnvironmentRepository
	sessions session.Store
	client   *imis.Client
	logger   zerolog.Logger
}

func NewEnvironmentHandler(repo repository.EnvironmentRepository, sessions session.Store, client *imis.Client, logger zerolog.Logger) *EnvironmentHandler {
	return &EnvironmentHandler{
		repo:     repo,
		sessions: sessions,
		client:   client,
		logger:   logger,
	}
}

type environmentRequest struct {
	Name              string `json:"name"`
	BaseURL           string `json:"base_url"`
	Username          string `json:"username"`
	QueryConcurrency  int    `json:"query_concurrency"`
	InsertConcurrency int    `json:"insert_concurrency"`
}

func (req *environmentRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(req.BaseURL) == "" {
		return errors.New("base_url is required")
	}
	if strings.TrimSpace(req.Username) == "" {
		return errors.New("username is required")
	}
	return nil
}

func (h *EnvironmentHandler) List(w http.ResponseWriter, r *http.Request) {
	environments, err := h.repo.List()
	if err != nil {
		http.Error(w, "Failed to list environments: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if environments == nil {
		environments = []models.Environment{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(environments)
}

func (h *EnvironmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	env, err := h.repo.Get(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Environment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get environment: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

func (h *EnvironmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req environmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	env, err := h.repo.Create(models.Environment{
		Name:              req.Name,
		BaseURL:           strings.TrimRight(req.BaseURL, "/"),
		Username:          req.Username,
		QueryConcurrency:  req.QueryConcurrency,
		InsertConcurrency: req.InsertConcurrency,
	})
	if err != nil {
		http.Error(w, "Failed to create environment: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(env)
}

func (h *EnvironmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req environmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	env, err := h.repo.Update(models.Environment{
		ID:                id,
		Name:              req.Name,
		BaseURL:           strings.TrimRight(req.BaseURL, "/"),
		Username:          req.Username,
		QueryConcurrency:  req.QueryConcurrency,
		InsertConcurrency: req.InsertConcurrency,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Environment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to update environment: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

func (h *EnvironmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.repo.Delete(id); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, "Environment not found", http.StatusNotFound)
		case errors.Is(err, repository.ErrInUse):
			http.Error(w, "Environment is referenced by existing jobs", http.StatusConflict)
		default:
			http.Error(w, "Failed to delete environment: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}
	h.sessions.Clear(id)
	w.WriteHeader(http.StatusNoContent)
}

type unlockRequest struct {
	Password string `json:"password"`
}

// Unlock stores the environment's password for this server session. It is
// never persisted; a restart locks every environment again.
func (h *EnvironmentHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.repo.Get(id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Environment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get environment: "+err.Error(), http.StatusInternalServerError)
		return
	}

	var req unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if req.Password == "" {
		http.Error(w, "Password is required", http.StatusBadRequest)
		return
	}

	h.sessions.Set(id, req.Password)
	w.WriteHeader(http.StatusNoContent)
}

func (h *EnvironmentHandler) Lock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.sessions.Clear(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *EnvironmentHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	_, unlocked := h.sessions.Get(id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"unlocked": unlocked})
}

// IdentityFields proxies the destination metadata lookup so a mapping-builder
// UI can show key fields before any job exists.
func (h *EnvironmentHandler) IdentityFields(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entityType := r.URL.Query().Get("entityType")
	if entityType == "" {
		http.Error(w, "entityType query parameter is required", http.StatusBadRequest)
		return
	}

	env, err := h.repo.Get(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Environment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get environment: "+err.Error(), http.StatusInternalServerError)
		return
	}

	fields, err := h.client.FetchIdentityFields(r.Context(), env, entityType)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrMissingCredentials):
			http.Error(w, "Environment credentials not unlocked", http.StatusPreconditionFailed)
		default:
			var apiErr *imis.APIError
			if errors.As(err, &apiErr) {
				http.Error(w, "Remote metadata lookup failed: "+err.Error(), http.StatusBadGateway)
			} else {
				http.Error(w, "Failed to fetch identity fields: "+err.Error(), http.StatusInternalServerError)
			}
		}
		return
	}
	if fields == nil {
		fields = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"fields": fields})
}
