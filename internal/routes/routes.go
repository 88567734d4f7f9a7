package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/codythatsme/i-migrate-sub000/internal/handlers"
)

// NewRouter sets up the API routes. Everything under /api except signup and
// login requires a valid bearer token.
func NewRouter(
	auth *handlers.AuthHandler,
	jobs *handlers.JobHandler,
	environments *handlers.EnvironmentHandler,
	health *handlers.HealthHandler,
) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", health.Check).Methods(http.MethodGet)

	// Public auth endpoints
	router.HandleFunc("/api/signup", auth.SignUp).Methods(http.MethodPost)
	router.HandleFunc("/api/login", auth.Login).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.JWTMiddleware)

	// Environments
	api.HandleFunc("/environments", environments.List).Methods(http.MethodGet)
	api.HandleFunc("/environments", environments.Create).Methods(http.MethodPost)
	api.HandleFunc("/environments/{id}", environments.Get).Methods(http.MethodGet)
	api.HandleFunc("/environments/{id}", environments.Update).Methods(http.MethodPut)
	api.HandleFunc("/environments/{id}", environments.Delete).Methods(http.MethodDelete)
	api.HandleFunc("/environments/{id}/unlock", environments.Unlock).Methods(http.MethodPost)
	api.HandleFunc("/environments/{id}/lock", environments.Lock).Methods(http.MethodPost)
	api.HandleFunc("/environments/{id}/session", environments.SessionStatus).Methods(http.MethodGet)
	api.HandleFunc("/environments/{id}/identity-fields", environments.IdentityFields).Methods(http.MethodGet)

	// Jobs
	api.HandleFunc("/jobs", jobs.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs", jobs.CreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", jobs.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", jobs.DeleteJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/run", jobs.RunJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/cancel", jobs.CancelJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/retry-rows", jobs.RetryFailedRows).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/retry-offsets", jobs.RetryFailedOffsets).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/rows", jobs.ListJobRows).Methods(http.MethodGet)

	// Rows
	api.HandleFunc("/rows/{id}/retry", jobs.RetrySingleRow).Methods(http.MethodPost)
	api.HandleFunc("/rows/{id}/attempts", jobs.ListRowAttempts).Methods(http.MethodGet)

	return router
}
