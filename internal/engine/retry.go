package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/codythatsme/i-migrate-sub000/internal/crypto"
	"github.com/codythatsme/i-migrate-sub000/internal/models"
	"github.com/codythatsme/i-migrate-sub000/internal/session"
)

// RetryResult summarizes a bulk row retry.
type RetryResult struct {
	Retried   int `json:"retried_count"`
	Succeeded int `json:"success_count"`
	Failed    int `json:"fail_count"`
}

// OffsetRetryResult summarizes a failed-offset retry.
type OffsetRetryResult struct {
	RetriedOffsets   int     `json:"retried_offsets"`
	RecoveredOffsets int     `json:"recovered_offsets"`
	RemainingOffsets []int64 `json:"remaining_offsets"`
}

// RetryFailedRows replays every failed row of a job from its stored payload,
// recording a manual_retry attempt per row. When all remediable failures
// clear, a partial job flips to completed.
func (e *Engine) RetryFailedRows(ctx context.Context, jobID string) (RetryResult, error) {
	var result RetryResult

	job, err := e.jobs.Get(jobID)
	if err != nil {
		return result, err
	}
	if job.Status == models.JobStatusRunning {
		return result, ErrAlreadyRunning
	}

	destEnv, err := e.envs.Get(job.DestinationEnvironmentID)
	if err != nil {
		return result, err
	}
	passphrase, ok := e.sessions.Get(job.SourceEnvironmentID)
	if !ok {
		return result, session.ErrMissingCredentials
	}

	failedRows, err := e.rows.ListFailedByJob(jobID)
	if err != nil {
		return result, err
	}
	result.Retried = len(failedRows)

	insertLimit := destEnv.InsertConcurrency
	if insertLimit <= 0 {
		insertLimit = models.DefaultInsertConcurrency
	}

	var (
		mu        sync.Mutex
		storeErrs *multierror.Error
	)
	attempts := make([]models.Attempt, len(failedRows))

	var g errgroup.Group
	g.SetLimit(insertLimit)
	for i, row := range failedRows {
		i, row := i, row
		g.Go(func() error {
			attempt, err := e.retryRow(ctx, job, destEnv, passphrase, row)
			if err != nil {
				mu.Lock()
				storeErrs = multierror.Append(storeErrs, err)
				mu.Unlock()
				return nil
			}
			attempts[i] = attempt
			return nil
		})
	}
	g.Wait()

	result.Succeeded = lo.CountBy(attempts, func(a models.Attempt) bool { return a.Success })
	result.Failed = result.Retried - result.Succeeded

	if _, err := e.jobs.FlipPartialCompleted(jobID); err != nil {
		return result, err
	}
	return result, storeErrs.ErrorOrNil()
}

// RetrySingleRow replays one failed row. On success it returns (true, nil);
// on failure it returns the row with its fresh attempt so callers can show
// the new error without a second read.
func (e *Engine) RetrySingleRow(ctx context.Context, rowID string) (bool, *models.RowWithAttempt, error) {
	row, err := e.rows.Get(rowID)
	if err != nil {
		return false, nil, err
	}
	if row.Status != models.RowStatusFailed {
		return false, nil, ErrRowNotFailed
	}

	job, err := e.jobs.Get(row.JobID)
	if err != nil {
		return false, nil, err
	}
	if job.Status == models.JobStatusRunning {
		return false, nil, ErrAlreadyRunning
	}

	destEnv, err := e.envs.Get(job.DestinationEnvironmentID)
	if err != nil {
		return false, nil, err
	}
	passphrase, ok := e.sessions.Get(job.SourceEnvironmentID)
	if !ok {
		return false, nil, session.ErrMissingCredentials
	}

	attempt, err := e.retryRow(ctx, job, destEnv, passphrase, row)
	if err != nil {
		return false, nil, err
	}

	if attempt.Success {
		if _, err := e.jobs.FlipPartialCompleted(job.ID); err != nil {
			return true, nil, err
		}
		return true, nil, nil
	}

	fresh, err := e.rows.Get(rowID)
	if err != nil {
		return false, nil, err
	}
	return false, &models.RowWithAttempt{Row: fresh, LastAttempt: &attempt}, nil
}

// RetryFailedOffsets re-fetches every page offset whose fetch permanently
// failed during the run and feeds recovered pages through normal batch
// processing. An offset leaves the failed set as soon as its fetch succeeds;
// row-level failures inside a recovered page are remediated via the row
// retries. When the first page was among the failures, recovering it also
// reveals the total count, and any pages past it that the original run never
// got to enumerate are processed too.
func (e *Engine) RetryFailedOffsets(ctx context.Context, jobID string) (OffsetRetryResult, error) {
	var result OffsetRetryResult

	job, err := e.jobs.Get(jobID)
	if err != nil {
		return result, err
	}
	if job.Status == models.JobStatusRunning {
		return result, ErrAlreadyRunning
	}

	sourceEnv, err := e.envs.Get(job.SourceEnvironmentID)
	if err != nil {
		return result, err
	}
	destEnv, err := e.envs.Get(job.DestinationEnvironmentID)
	if err != nil {
		return result, err
	}
	if _, ok := e.sessions.Get(sourceEnv.ID); !ok {
		return result, session.ErrMissingCredentials
	}

	result.RemainingOffsets = []int64{}
	if len(job.FailedOffsets) == 0 {
		return result, nil
	}

	queryLimit := destEnv.QueryConcurrency
	if queryLimit <= 0 {
		queryLimit = models.DefaultQueryConcurrency
	}

	var (
		mu         sync.Mutex
		remaining  []int64
		discovered []int64
		storeErrs  *multierror.Error
	)

	retryOffset := func(ctx context.Context, offset int64, totalUnknown bool) {
		page, err := e.fetchPage(ctx, sourceEnv, job, offset)
		if err != nil {
			e.logger.Warn().Err(err).Str("job", jobID).Int64("offset", offset).Msg("offset retry fetch failed")
			mu.Lock()
			remaining = append(remaining, offset)
			mu.Unlock()
			return
		}

		if offset == 0 && totalUnknown {
			if err := e.jobs.SetTotalCount(jobID, page.TotalCount); err != nil {
				mu.Lock()
				storeErrs = multierror.Append(storeErrs, fmt.Errorf("store total count: %w", err))
				mu.Unlock()
			}
			mu.Lock()
			for _, tail := range offsets(page.TotalCount, pageSize) {
				if tail != 0 {
					discovered = append(discovered, tail)
				}
			}
			mu.Unlock()
		}

		if _, err := e.processBatch(ctx, job, destEnv, page.Rows, offset); err != nil {
			mu.Lock()
			storeErrs = multierror.Append(storeErrs, err)
			mu.Unlock()
		}
	}

	totalUnknown := job.TotalCount == nil

	var g errgroup.Group
	g.SetLimit(queryLimit)
	for _, offset := range job.FailedOffsets {
		offset := offset
		g.Go(func() error {
			retryOffset(ctx, offset, totalUnknown)
			return nil
		})
	}
	g.Wait()
	result.RetriedOffsets = len(job.FailedOffsets)

	// Pages the original run never enumerated because the first fetch failed.
	if len(discovered) > 0 {
		var tail errgroup.Group
		tail.SetLimit(queryLimit)
		for _, offset := range discovered {
			offset := offset
			tail.Go(func() error {
				retryOffset(ctx, offset, false)
				return nil
			})
		}
		tail.Wait()
		result.RetriedOffsets += len(discovered)
	}

	if remaining == nil {
		remaining = []int64{}
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
	if err := e.jobs.SetFailedOffsets(jobID, remaining); err != nil {
		return result, err
	}
	result.RecoveredOffsets = result.RetriedOffsets - len(remaining)
	result.RemainingOffsets = remaining

	if _, err := e.jobs.FlipPartialCompleted(jobID); err != nil {
		return result, err
	}
	return result, storeErrs.ErrorOrNil()
}

// retryRow replays one stored row against the destination and records the
// manual_retry attempt. The returned error covers storage problems only; the
// migration outcome itself is in the attempt.
func (e *Engine) retryRow(ctx context.Context, job models.Job, destEnv models.Environment, passphrase string, row models.Row) (models.Attempt, error) {
	recordFailure := func(message string) (models.Attempt, error) {
		attempt := models.Attempt{
			Reason:       models.AttemptReasonManualRetry,
			Success:      false,
			ErrorMessage: &message,
		}
		return e.rows.UpdateWithAttempt(row.ID, models.RowStatusFailed, nil, attempt)
	}

	payload, err := crypto.Decrypt(row.EncryptedPayload, passphrase)
	if err != nil {
		return recordFailure(fmt.Sprintf("decrypt stored payload: %v", err))
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return recordFailure(fmt.Sprintf("decode stored payload: %v", err))
	}

	transformed := Transform(raw, job.FieldMappings)
	identity, insertErr := e.insertRow(ctx, destEnv, job, transformed)
	if insertErr != nil {
		e.logger.Warn().Err(insertErr).Str("job", job.ID).Int64("row_index", row.RowIndex).Msg("row retry failed")
		return recordFailure(failureMessage(insertErr))
	}

	attempt := models.Attempt{
		Reason:           models.AttemptReasonManualRetry,
		Success:          true,
		IdentityElements: identity,
	}
	return e.rows.UpdateWithAttempt(row.ID, models.RowStatusSuccess, identity, attempt)
}
