package models

import "time"

type RowStatus string

const (
	RowStatusSuccess RowStatus = "success"
	RowStatusFailed  RowStatus = "failed"
)

type AttemptReason string

const (
	AttemptReasonInitial     AttemptReason = "initial"
	AttemptReasonAutoRetry   AttemptReason = "auto_retry"
	AttemptReasonManualRetry AttemptReason = "manual_retry"
)

// Row is the durable outcome of one source record's migration, keyed by its
// stable position in the source result set. EncryptedPayload holds the
// original source record, sealed with the source environment's passphrase, so
// retries never have to re-query the source.
type Row struct {
	ID               string    `json:"id" db:"id"`
	JobID            string    `json:"job_id" db:"job_id"`
	RowIndex         int64     `json:"row_index" db:"row_index"`
	Status           RowStatus `json:"status" db:"status"`
	IdentityElements []string  `json:"identity_elements,omitempty" db:"identity_elements"`
	EncryptedPayload string    `json:"-" db:"encrypted_payload"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Attempt is one recorded try at migrating a Row. Attempts are append-only;
// a Row's status always equals the Success of its most recent Attempt.
type Attempt struct {
	ID               string        `json:"id" db:"id"`
	RowID            string        `json:"row_id" db:"row_id"`
	Reason           AttemptReason `json:"reason" db:"reason"`
	Success          bool          `json:"success" db:"success"`
	ErrorMessage     *string       `json:"error_message,omitempty" db:"error_message"`
	IdentityElements []string      `json:"identity_elements,omitempty" db:"identity_elements"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
}

// RowWithAttempt pairs a row with its most recent attempt so single-row retry
// responses can show the fresh error without a second read.
type RowWithAttempt struct {
	Row
	LastAttempt *Attempt `json:"last_attempt,omitempty"`
}
