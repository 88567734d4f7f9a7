package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codythatsme/i-migrate-sub000/internal/models"
)

type RowRepository interface {
	// CreateWithAttempts inserts a row and its attempt trail in one
	// transaction, so a crash never leaves a row without its audit records.
	CreateWithAttempts(row models.Row, attempts []models.Attempt) (models.Row, error)
	// UpdateWithAttempt mutates a row's outcome and appends one attempt,
	// atomically, returning the stored attempt.
	UpdateWithAttempt(rowID string, status models.RowStatus, identityElements []string, attempt models.Attempt) (models.Attempt, error)
	Get(id string) (models.Row, error)
	ListByJob(jobID string, statusFilter *models.RowStatus, limit, offset int) ([]models.Row, int64, error)
	ListFailedByJob(jobID string) ([]models.Row, error)
	CountByStatus(jobID string) (models.RowCounts, error)
	ListAttempts(rowID string) ([]models.Attempt, error)
	LatestAttempt(rowID string) (models.Attempt, error)
}

type rowRepository struct {
	db *sql.DB
}

func NewRowRepository(db *sql.DB) RowRepository {
	return &rowRepository{db: db}
}

const rowColumns = `
	id, job_id, row_index, status, identity_elements, encrypted_payload,
	created_at, updated_at`

const attemptColumns = `id, row_id, reason, success, error_message, identity_elements, created_at`

func (r *rowRepository) CreateWithAttempts(row models.Row, attempts []models.Attempt) (models.Row, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return row, err
	}
	defer tx.Rollback()

	identity, err := identityJSON(row.IdentityElements)
	if err != nil {
		return row, err
	}

	query := `
		INSERT INTO migration_rows (job_id, row_index, status, identity_elements, encrypted_payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(query,
		row.JobID,
		row.RowIndex,
		row.Status,
		identity,
		row.EncryptedPayload,
	).Scan(&row.ID, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return row, err
	}

	for _, attempt := range attempts {
		if err := insertAttempt(tx, row.ID, attempt); err != nil {
			return row, err
		}
	}

	if err := tx.Commit(); err != nil {
		return row, err
	}
	return row, nil
}

func (r *rowRepository) UpdateWithAttempt(rowID string, status models.RowStatus, identityElements []string, attempt models.Attempt) (models.Attempt, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return attempt, err
	}
	defer tx.Rollback()

	identity, err := identityJSON(identityElements)
	if err != nil {
		return attempt, err
	}

	query := `
		UPDATE migration_rows
		SET status = $1, identity_elements = $2, updated_at = NOW()
		WHERE id = $3
	`
	res, err := tx.Exec(query, status, identity, rowID)
	if err != nil {
		return attempt, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return attempt, err
	}
	if affected == 0 {
		return attempt, ErrNotFound
	}

	attemptIdentity, err := identityJSON(attempt.IdentityElements)
	if err != nil {
		return attempt, err
	}
	insertQuery := `
		INSERT INTO migration_attempts (row_id, reason, success, error_message, identity_elements)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err = tx.QueryRow(insertQuery,
		rowID,
		attempt.Reason,
		attempt.Success,
		attempt.ErrorMessage,
		attemptIdentity,
	).Scan(&attempt.ID, &attempt.CreatedAt)
	if err != nil {
		return attempt, err
	}
	attempt.RowID = rowID

	if err := tx.Commit(); err != nil {
		return attempt, err
	}
	return attempt, nil
}

func (r *rowRepository) Get(id string) (models.Row, error) {
	query := `SELECT ` + rowColumns + ` FROM migration_rows WHERE id = $1`
	row, err := scanRow(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return row, ErrNotFound
		}
		return row, err
	}
	return row, nil
}

func (r *rowRepository) ListByJob(jobID string, statusFilter *models.RowStatus, limit, offset int) ([]models.Row, int64, error) {
	var (
		countQuery string
		listQuery  string
		countArgs  []interface{}
		listArgs   []interface{}
	)
	if statusFilter != nil {
		countQuery = `SELECT COUNT(*) FROM migration_rows WHERE job_id = $1 AND status = $2`
		countArgs = []interface{}{jobID, *statusFilter}
		listQuery = `
			SELECT ` + rowColumns + `
			FROM migration_rows
			WHERE job_id = $1 AND status = $2
			ORDER BY row_index
			LIMIT $3 OFFSET $4`
		listArgs = []interface{}{jobID, *statusFilter, limit, offset}
	} else {
		countQuery = `SELECT COUNT(*) FROM migration_rows WHERE job_id = $1`
		countArgs = []interface{}{jobID}
		listQuery = `
			SELECT ` + rowColumns + `
			FROM migration_rows
			WHERE job_id = $1
			ORDER BY row_index
			LIMIT $2 OFFSET $3`
		listArgs = []interface{}{jobID, limit, offset}
	}

	var total int64
	if err := r.db.QueryRow(countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results := []models.Row{}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func (r *rowRepository) ListFailedByJob(jobID string) ([]models.Row, error) {
	query := `
		SELECT ` + rowColumns + `
		FROM migration_rows
		WHERE job_id = $1 AND status = $2
		ORDER BY row_index
	`
	rows, err := r.db.Query(query, jobID, models.RowStatusFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []models.Row{}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *rowRepository) CountByStatus(jobID string) (models.RowCounts, error) {
	query := `
		SELECT
			COALESCE(SUM((status = 'success')::int), 0) AS succeeded,
			COALESCE(SUM((status = 'failed')::int), 0)  AS failed
		FROM migration_rows
		WHERE job_id = $1
	`
	var counts models.RowCounts
	err := r.db.QueryRow(query, jobID).Scan(&counts.Succeeded, &counts.Failed)
	return counts, err
}

func (r *rowRepository) ListAttempts(rowID string) ([]models.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM migration_attempts WHERE row_id = $1 ORDER BY seq`
	rows, err := r.db.Query(query, rowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []models.Attempt{}
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *rowRepository) LatestAttempt(rowID string) (models.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM migration_attempts WHERE row_id = $1 ORDER BY seq DESC LIMIT 1`
	attempt, err := scanAttempt(r.db.QueryRow(query, rowID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, ErrNotFound
		}
		return attempt, err
	}
	return attempt, nil
}

func insertAttempt(tx *sql.Tx, rowID string, attempt models.Attempt) error {
	identity, err := identityJSON(attempt.IdentityElements)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO migration_attempts (row_id, reason, success, error_message, identity_elements)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = tx.Exec(query, rowID, attempt.Reason, attempt.Success, attempt.ErrorMessage, identity)
	return err
}

func scanRow(s scanner) (models.Row, error) {
	var (
		row      models.Row
		identity []byte
	)
	if err := s.Scan(
		&row.ID,
		&row.JobID,
		&row.RowIndex,
		&row.Status,
		&identity,
		&row.EncryptedPayload,
		&row.CreatedAt,
		&row.UpdatedAt,
	); err != nil {
		return row, err
	}
	if len(identity) > 0 {
		if err := json.Unmarshal(identity, &row.IdentityElements); err != nil {
			return row, fmt.Errorf("failed to decode identity elements: %w", err)
		}
	}
	return row, nil
}

func scanAttempt(s scanner) (models.Attempt, error) {
	var (
		attempt  models.Attempt
		errMsg   sql.NullString
		identity []byte
	)
	if err := s.Scan(
		&attempt.ID,
		&attempt.RowID,
		&attempt.Reason,
		&attempt.Success,
		&errMsg,
		&identity,
		&attempt.CreatedAt,
	); err != nil {
		return attempt, err
	}
	if errMsg.Valid {
		attempt.ErrorMessage = &errMsg.String
	}
	if len(identity) > 0 {
		if err := json.Unmarshal(identity, &attempt.IdentityElements); err != nil {
			return attempt, fmt.Errorf("failed to decode identity elements: %w", err)
		}
	}
	return attempt, nil
}
