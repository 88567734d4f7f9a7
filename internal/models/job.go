package models

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPartial   JobStatus = "partial"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job in this status has finished its run.
// Partial is terminal: the run is over even though some rows or offsets
// still need remediation via the retry operations.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartial, JobStatusCancelled:
		return true
	}
	return false
}

type JobMode string

const (
	JobModeQuery      JobMode = "query"      // source rows come from a stored query result set
	JobModeDatasource JobMode = "datasource" // source rows come from a raw entity collection
)

type DestinationKind string

const (
	DestinationKindBOEntity       DestinationKind = "bo_entity"
	DestinationKindCustomEndpoint DestinationKind = "custom_endpoint"
)

// FieldMapping maps one source field onto a destination field. A nil
// DestinationField means the source field is intentionally dropped.
type FieldMapping struct {
	SourceField      string  `json:"source_field"`
	DestinationField *string `json:"destination_field"`
}

// Job is one migration run: an immutable config plus mutable run state.
type Job struct {
	ID                       string          `json:"id" db:"id"`
	Name                     string          `json:"name" db:"name"`
	Mode                     JobMode         `json:"mode" db:"mode"`
	SourceEnvironmentID      string          `json:"source_environment_id" db:"source_environment_id"`
	SourceQueryPath          *string         `json:"source_query_path" db:"source_query_path"`
	SourceEntityType         *string         `json:"source_entity_type" db:"source_entity_type"`
	DestinationEnvironmentID string          `json:"destination_environment_id" db:"destination_environment_id"`
	DestinationEntityType    string          `json:"destination_entity_type" db:"destination_entity_type"`
	DestinationKind          DestinationKind `json:"destination_kind" db:"destination_kind"`
	FieldMappings            []FieldMapping  `json:"field_mappings" db:"field_mappings"`

	Status         JobStatus  `json:"status" db:"status"`
	TotalCount     *int64     `json:"total_count" db:"total_count"`
	FailedOffsets  []int64    `json:"failed_offsets" db:"failed_offsets"`
	IdentityFields []string   `json:"identity_fields" db:"identity_fields"`
	StartedAt      *time.Time `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Validate checks the config invariants that cannot be expressed in JSON
// decoding alone: exactly one source selector must be set, and it must match
// the mode.
func (j *Job) Validate() error {
	switch j.Mode {
	case JobModeQuery:
		if j.SourceQueryPath == nil || *j.SourceQueryPath == "" {
			return fmt.Errorf("mode %q requires source_query_path", j.Mode)
		}
		if j.SourceEntityType != nil {
			return fmt.Errorf("mode %q must not set source_entity_type", j.Mode)
		}
	case JobModeDatasource:
		if j.SourceEntityType == nil || *j.SourceEntityType == "" {
			return fmt.Errorf("mode %q requires source_entity_type", j.Mode)
		}
		if j.SourceQueryPath != nil {
			return fmt.Errorf("mode %q must not set source_query_path", j.Mode)
		}
	default:
		return fmt.Errorf("unknown job mode %q", j.Mode)
	}
	switch j.DestinationKind {
	case DestinationKindBOEntity, DestinationKindCustomEndpoint:
	default:
		return fmt.Errorf("unknown destination kind %q", j.DestinationKind)
	}
	if j.DestinationEntityType == "" {
		return fmt.Errorf("destination_entity_type is required")
	}
	if len(j.FieldMappings) == 0 {
		return fmt.Errorf("at least one field mapping is required")
	}
	return nil
}

// SourceSelector returns the query path or entity type the job reads from,
// whichever the mode uses.
func (j *Job) SourceSelector() string {
	if j.Mode == JobModeQuery && j.SourceQueryPath != nil {
		return *j.SourceQueryPath
	}
	if j.SourceEntityType != nil {
		return *j.SourceEntityType
	}
	return ""
}
