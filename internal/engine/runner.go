package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/codythatsme/i-migrate-sub000/internal/models"
	"github.com/codythatsme/i-migrate-sub000/internal/session"
)

// Run starts a queued job. It validates the job, resolves both environments,
// verifies credentials and the destination endpoint, fetches the destination's
// identity fields, and marks the job running, surfacing any failure in those
// steps to the caller. Pagination then proceeds in the background; the job's
// status line is where its outcome lands.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	job, err := e.jobs.Get(jobID)
	if err != nil {
		return err
	}
	// The sole guard against double execution. Two near-simultaneous calls
	// can both pass this check; see Cancel and Finalize for how terminal
	// states stay consistent anyway.
	if job.Status != models.JobStatusQueued {
		return ErrAlreadyRunning
	}

	sourceEnv, err := e.envs.Get(job.SourceEnvironmentID)
	if err != nil {
		return errors.Wrap(err, "resolve source environment")
	}
	destEnv, err := e.envs.Get(job.DestinationEnvironmentID)
	if err != nil {
		return errors.Wrap(err, "resolve destination environment")
	}

	if _, ok := e.sessions.Get(sourceEnv.ID); !ok {
		return session.ErrMissingCredentials
	}
	if err := checkDestination(job); err != nil {
		return err
	}

	identityFields, err := e.client.FetchIdentityFields(ctx, destEnv, job.DestinationEntityType)
	if err != nil {
		return errors.Wrap(err, "fetch destination identity fields")
	}
	if err := e.jobs.SetIdentityFields(job.ID, identityFields); err != nil {
		return errors.Wrap(err, "store identity fields")
	}

	if err := e.jobs.MarkRunning(job.ID); err != nil {
		return errors.Wrap(err, "mark job running")
	}

	// Runs of the same job are distinguishable in the log stream; a retried
	// job shares its job ID but never its run ID.
	runLogger := e.logger.With().
		Str("job", job.ID).
		Str("run", uuid.NewString()).
		Logger()

	runLogger.Info().
		Str("mode", string(job.Mode)).
		Str("selector", job.SourceSelector()).
		Msg("job started")

	// Detached from the request context: cancellation is cooperative via
	// Cancel, not via the caller hanging up.
	go e.execute(context.Background(), runLogger, job, sourceEnv, destEnv)

	return nil
}

// execute drives a running job through pagination to a terminal status.
func (e *Engine) execute(ctx context.Context, logger zerolog.Logger, job models.Job, sourceEnv, destEnv models.Environment) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("job execution panicked")
			e.finalize(job.ID, models.JobStatusFailed, nil)
		}
	}()

	tracker := newOffsetTracker(e, job.ID)

	firstPage, err := e.fetchPage(ctx, sourceEnv, job, 0)
	if err != nil {
		// Without the first page there is no total count and nothing to
		// process; the offset is remembered so a later retry can recover it.
		logger.Error().Err(err).Msg("first page fetch failed")
		tracker.record(0)
		e.finalize(job.ID, models.JobStatusPartial, tracker)
		return
	}

	if err := e.jobs.SetTotalCount(job.ID, firstPage.TotalCount); err != nil {
		logger.Error().Err(err).Msg("failed to store total count")
		e.finalize(job.ID, models.JobStatusFailed, tracker)
		return
	}

	if _, err := e.processBatch(ctx, job, destEnv, firstPage.Rows, 0); err != nil {
		logger.Error().Err(err).Msg("first batch failed")
		e.finalize(job.ID, models.JobStatusFailed, tracker)
		return
	}

	queryLimit := destEnv.QueryConcurrency
	if queryLimit <= 0 {
		queryLimit = models.DefaultQueryConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(queryLimit)
	for _, offset := range offsets(firstPage.TotalCount, pageSize) {
		if offset == 0 {
			continue
		}
		offset := offset
		g.Go(func() error {
			page, err := e.fetchPage(gctx, sourceEnv, job, offset)
			if err != nil {
				// A dead offset is skipped, not fatal.
				logger.Warn().Err(err).Int64("offset", offset).Msg("page fetch exhausted retries")
				tracker.record(offset)
				return nil
			}
			if _, err := e.processBatch(gctx, job, destEnv, page.Rows, offset); err != nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("job execution failed")
		e.finalize(job.ID, models.JobStatusFailed, tracker)
		return
	}

	counts, err := e.rows.CountByStatus(job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to count row outcomes")
		e.finalize(job.ID, models.JobStatusFailed, tracker)
		return
	}

	status := models.JobStatusCompleted
	if counts.Failed > 0 || tracker.len() > 0 {
		status = models.JobStatusPartial
	}
	e.finalize(job.ID, status, tracker)

	logger.Info().
		Str("status", string(status)).
		Int64("succeeded", counts.Succeeded).
		Int64("failed", counts.Failed).
		Int("failed_offsets", tracker.len()).
		Msg("job finished")
}

// finalize stamps the terminal status. The guarded update loses against a
// concurrent cancel, which is exactly the intent: cancelled stays cancelled.
func (e *Engine) finalize(jobID string, status models.JobStatus, tracker *offsetTracker) {
	if tracker != nil {
		tracker.flush()
	}
	finalized, err := e.jobs.Finalize(jobID, status)
	if err != nil {
		e.logger.Error().Err(err).Str("job", jobID).Msg("failed to finalize job")
		return
	}
	if !finalized {
		e.logger.Info().Str("job", jobID).Msg("job was cancelled before finishing")
	}
}

// Cancel marks a running job cancelled. In-flight fetches and inserts are not
// interrupted; they finish and their outcomes are still recorded, but the job
// will not be resumed. A no-op on jobs in any other status.
func (e *Engine) Cancel(jobID string) error {
	if _, err := e.jobs.Get(jobID); err != nil {
		return err
	}
	return e.jobs.Cancel(jobID)
}

// Delete removes a job along with all its rows and attempts.
func (e *Engine) Delete(jobID string) error {
	return e.jobs.Delete(jobID)
}

// offsetTracker accumulates failed page offsets and persists the sorted set
// after every change, so a crash never forgets an offset that already failed.
type offsetTracker struct {
	engine *Engine
	jobID  string

	mu      sync.Mutex
	offsets []int64
}

func newOffsetTracker(e *Engine, jobID string) *offsetTracker {
	return &offsetTracker{engine: e, jobID: jobID}
}

func (t *offsetTracker) record(offset int64) {
	t.mu.Lock()
	t.offsets = append(t.offsets, offset)
	sort.Slice(t.offsets, func(i, j int) bool { return t.offsets[i] < t.offsets[j] })
	snapshot := append([]int64(nil), t.offsets...)
	t.mu.Unlock()

	if err := t.engine.jobs.SetFailedOffsets(t.jobID, snapshot); err != nil {
		t.engine.logger.Error().Err(err).Str("job", t.jobID).Int64("offset", offset).Msg("failed to persist failed offset")
	}
}

func (t *offsetTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.offsets)
}

// flush rewrites the persisted set from memory, covering the case where an
// earlier persist failed transiently.
func (t *offsetTracker) flush() {
	t.mu.Lock()
	snapshot := append([]int64(nil), t.offsets...)
	t.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	if err := t.engine.jobs.SetFailedOffsets(t.jobID, snapshot); err != nil {
		t.engine.logger.Error().Err(err).Str("job", t.jobID).Msg("failed to persist failed offsets")
	}
}
