package models

import "time"

// Environment is a stored connection profile for one platform instance: the
// API base URL, the service account, and the concurrency budget migrations
// against it must respect. The account password is never persisted with the
// profile; it is held in the in-memory session store until the environment is
// locked again or the process exits.
type Environment struct {
	ID                string    `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	BaseURL           string    `json:"base_url" db:"base_url"`
	Username          string    `json:"username" db:"username"`
	QueryConcurrency  int       `json:"query_concurrency" db:"query_concurrency"`
	InsertConcurrency int       `json:"insert_concurrency" db:"insert_concurrency"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

const (
	DefaultQueryConcurrency  = 2
	DefaultInsertConcurrency = 4
)
