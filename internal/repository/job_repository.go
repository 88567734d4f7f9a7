package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codythatsme/i-migrate-sub000/internal/models"
)

type JobRepository interface {
	Create(job models.Job) (models.Job, error)
	Get(id string) (models.Job, error)
	ListWithStats() ([]models.JobStat, error)
	Delete(id string) error

	MarkRunning(id string) error
	SetTotalCount(id string, totalCount int64) error
	SetIdentityFields(id string, fields []string) error
	SetFailedOffsets(id string, offsets []int64) error
	// Finalize moves a running job to its terminal status and stamps
	// completed_at. It reports false when the job was no longer running,
	// which is how a concurrent cancel wins over the finalizer.
	Finalize(id string, status models.JobStatus) (bool, error)
	// Cancel moves a running job to cancelled; a no-op on any other status.
	Cancel(id string) error
	// FlipPartialCompleted promotes a partial job to completed, but only
	// when no failed rows and no failed offsets remain.
	FlipPartialCompleted(id string) (bool, error)
}

type jobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `
	id, name, mode, source_environment_id, source_query_path, source_entity_type,
	destination_environment_id, destination_entity_type, destination_kind,
	field_mappings, status, total_count, failed_offsets, identity_fields,
	started_at, completed_at, created_at, updated_at`

func (r *jobRepository) Create(job models.Job) (models.Job, error) {
	mappings, err := json.Marshal(job.FieldMappings)
	if err != nil {
		return job, fmt.Errorf("failed to encode field mappings: %w", err)
	}

	query := `
		INSERT INTO migration_jobs (
			name, mode, source_environment_id, source_query_path, source_entity_type,
			destination_environment_id, destination_entity_type, destination_kind,
			field_mappings, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, status, failed_offsets, identity_fields, created_at, updated_at
	`
	var failedOffsets, identityFields []byte
	err = r.db.QueryRow(query,
		job.Name,
		job.Mode,
		job.SourceEnvironmentID,
		job.SourceQueryPath,
		job.SourceEntityType,
		job.DestinationEnvironmentID,
		job.DestinationEntityType,
		job.DestinationKind,
		mappings,
		models.JobStatusQueued,
	).Scan(&job.ID, &job.Status, &failedOffsets, &identityFields, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal(failedOffsets, &job.FailedOffsets); err != nil {
		return job, err
	}
	if err := json.Unmarshal(identityFields, &job.IdentityFields); err != nil {
		return job, err
	}
	return job, nil
}

func (r *jobRepository) Get(id string) (models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM migration_jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job, ErrNotFound
		}
		return job, err
	}
	return job, nil
}

// ListWithStats returns every job newest first, each with its succeeded and
// failed row counts so status lines need no second query.
func (r *jobRepository) ListWithStats() ([]models.JobStat, error) {
	query := `
		SELECT ` + jobColumns + `,
			COALESCE(rc.succeeded, 0) AS succeeded_rows,
			COALESCE(rc.failed, 0)    AS failed_rows
		FROM migration_jobs j
		LEFT JOIN (
			SELECT
				job_id,
				COALESCE(SUM((status = 'success')::int), 0) AS succeeded,
				COALESCE(SUM((status = 'failed')::int), 0)  AS failed
			FROM migration_rows
			GROUP BY job_id
		) rc ON rc.job_id = j.id
		ORDER BY j.created_at DESC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []models.JobStat{}
	for rows.Next() {
		var stat models.JobStat
		job, err := scanJobWith(rows, &stat.SucceededRows, &stat.FailedRows)
		if err != nil {
			return nil, err
		}
		stat.Job = job
		stat.FailedOffsetsLen = len(job.FailedOffsets)
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *jobRepository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM migration_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *jobRepository) MarkRunning(id string) error {
	query := `
		UPDATE migration_jobs
		SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.db.Exec(query, models.JobStatusRunning, id)
	return err
}

func (r *jobRepository) SetTotalCount(id string, totalCount int64) error {
	query := `UPDATE migration_jobs SET total_count = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.Exec(query, totalCount, id)
	return err
}

func (r *jobRepository) SetIdentityFields(id string, fields []string) error {
	if fields == nil {
		fields = []string{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	query := `UPDATE migration_jobs SET identity_fields = $1, updated_at = NOW() WHERE id = $2`
	_, err = r.db.Exec(query, encoded, id)
	return err
}

func (r *jobRepository) SetFailedOffsets(id string, offsets []int64) error {
	if offsets == nil {
		offsets = []int64{}
	}
	encoded, err := json.Marshal(offsets)
	if err != nil {
		return err
	}
	query := `UPDATE migration_jobs SET failed_offsets = $1, updated_at = NOW() WHERE id = $2`
	_, err = r.db.Exec(query, encoded, id)
	return err
}

func (r *jobRepository) Finalize(id string, status models.JobStatus) (bool, error) {
	query := `
		UPDATE migration_jobs
		SET status = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	res, err := r.db.Exec(query, status, id, models.JobStatusRunning)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *jobRepository) Cancel(id string) error {
	query := `
		UPDATE migration_jobs
		SET status = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	_, err := r.db.Exec(query, models.JobStatusCancelled, id, models.JobStatusRunning)
	return err
}

func (r *jobRepository) FlipPartialCompleted(id string) (bool, error) {
	query := `
		UPDATE migration_jobs j
		SET status = $1, updated_at = NOW()
		WHERE j.id = $2
		  AND j.status = $3
		  AND j.failed_offsets = '[]'::jsonb
		  AND NOT EXISTS (
			SELECT 1 FROM migration_rows r
			WHERE r.job_id = j.id AND r.status = 'failed'
		  )
	`
	res, err := r.db.Exec(query, models.JobStatusCompleted, id, models.JobStatusPartial)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanJob(s scanner) (models.Job, error) {
	return scanJobWith(s)
}

// scanJobWith scans the jobColumns list plus any trailing extra columns.
func scanJobWith(s scanner, extra ...interface{}) (models.Job, error) {
	var (
		job             models.Job
		sourceQueryPath sql.NullString
		sourceEntity    sql.NullString
		totalCount      sql.NullInt64
		startedAt       sql.NullTime
		completedAt     sql.NullTime
		mappings        []byte
		failedOffsets   []byte
		identityFields  []byte
	)

	dest := []interface{}{
		&job.ID,
		&job.Name,
		&job.Mode,
		&job.SourceEnvironmentID,
		&sourceQueryPath,
		&sourceEntity,
		&job.DestinationEnvironmentID,
		&job.DestinationEntityType,
		&job.DestinationKind,
		&mappings,
		&job.Status,
		&totalCount,
		&failedOffsets,
		&identityFields,
		&startedAt,
		&completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	}
	dest = append(dest, extra...)

	if err := s.Scan(dest...); err != nil {
		return job, err
	}

	if sourceQueryPath.Valid {
		job.SourceQueryPath = &sourceQueryPath.String
	}
	if sourceEntity.Valid {
		job.SourceEntityType = &sourceEntity.String
	}
	if totalCount.Valid {
		job.TotalCount = &totalCount.Int64
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	if err := json.Unmarshal(mappings, &job.FieldMappings); err != nil {
		return job, fmt.Errorf("failed to decode field mappings: %w", err)
	}
	if err := json.Unmarshal(failedOffsets, &job.FailedOffsets); err != nil {
		return job, fmt.Errorf("failed to decode failed offsets: %w", err)
	}
	if err := json.Unmarshal(identityFields, &job.IdentityFields); err != nil {
		return job, fmt.Errorf("failed to decode identity fields: %w", err)
	}
	return job, nil
}
