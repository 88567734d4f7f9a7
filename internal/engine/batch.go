package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/codythatsme/i-migrate-sub000/internal/crypto"
	"github.com/codythatsme/i-migrate-sub000/internal/models"
	"github.com/codythatsme/i-migrate-sub000/internal/session"
)

type batchOutcome struct {
	succeeded int
	failed    int
}

// processBatch migrates one page of raw rows: transform each, insert them
// concurrently under the destination's insert budget, and durably record a
// Row plus its Attempts for every outcome as soon as that outcome is known.
// A crash mid-batch loses at most the in-flight rows. Row-level insert
// failures become data, never errors; the returned error means the batch
// itself could not run (missing credentials) or outcomes could not be
// persisted.
func (e *Engine) processBatch(ctx context.Context, job models.Job, destEnv models.Environment, rows []map[string]interface{}, startIndex int64) (batchOutcome, error) {
	passphrase, ok := e.sessions.Get(job.SourceEnvironmentID)
	if !ok {
		return batchOutcome{}, session.ErrMissingCredentials
	}

	insertLimit := destEnv.InsertConcurrency
	if insertLimit <= 0 {
		insertLimit = models.DefaultInsertConcurrency
	}

	var (
		mu        sync.Mutex
		storeErrs *multierror.Error
	)
	insertErrs := make([]error, len(rows))

	var g errgroup.Group
	g.SetLimit(insertLimit)
	for i := range rows {
		i := i
		g.Go(func() error {
			index := startIndex + int64(i)
			raw := rows[i]

			transformed := Transform(raw, job.FieldMappings)
			identity, err := e.insertRow(ctx, destEnv, job, transformed)
			if err != nil {
				err = &InsertFailure{RowIndex: index, Err: err}
				e.logger.Warn().Err(err).Str("job", job.ID).Msg("row insert failed")
			}
			insertErrs[i] = err

			if storeErr := e.persistOutcome(job.ID, index, raw, passphrase, identity, err); storeErr != nil {
				mu.Lock()
				storeErrs = multierror.Append(storeErrs, storeErr)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	failed := lo.CountBy(insertErrs, func(err error) bool { return err != nil })
	outcome := batchOutcome{succeeded: len(rows) - failed, failed: failed}
	return outcome, storeErrs.ErrorOrNil()
}

// persistOutcome writes the Row and its attempt trail for one processed row.
// A failed insert records the initial attempt plus one synthesized auto_retry
// per additional try the remote client actually made, all carrying the same
// message, so the audit trail reflects retries that happened transparently
// inside the client.
func (e *Engine) persistOutcome(jobID string, index int64, raw map[string]interface{}, passphrase string, identity []string, insertErr error) error {
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode row %d payload: %w", index, err)
	}
	token, err := crypto.Encrypt(payload, passphrase)
	if err != nil {
		return fmt.Errorf("encrypt row %d payload: %w", index, err)
	}

	row := models.Row{
		JobID:            jobID,
		RowIndex:         index,
		EncryptedPayload: token,
	}

	var attempts []models.Attempt
	if insertErr == nil {
		row.Status = models.RowStatusSuccess
		row.IdentityElements = identity
		attempts = []models.Attempt{{
			Reason:           models.AttemptReasonInitial,
			Success:          true,
			IdentityElements: identity,
		}}
	} else {
		row.Status = models.RowStatusFailed
		message := failureMessage(insertErr)
		attempts = append(attempts, models.Attempt{
			Reason:       models.AttemptReasonInitial,
			Success:      false,
			ErrorMessage: &message,
		})
		for n := 1; n < attemptCount(insertErr); n++ {
			attempts = append(attempts, models.Attempt{
				Reason:       models.AttemptReasonAutoRetry,
				Success:      false,
				ErrorMessage: &message,
			})
		}
	}

	if _, err := e.rows.CreateWithAttempts(row, attempts); err != nil {
		return fmt.Errorf("store row %d outcome: %w", index, err)
	}
	return nil
}

// failureMessage strips the row-index prefix an InsertFailure adds; the Row
// record already carries its index.
func failureMessage(err error) string {
	var failure *InsertFailure
	if errors.As(err, &failure) {
		return failure.Err.Error()
	}
	return err.Error()
}
