package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codythatsme/i-migrate-sub000/internal/imis"
	"github.com/codythatsme/i-migrate-sub000/internal/models"
)

// pageSize is how many rows one remote fetch asks for. The failed-offset set
// and rowIndex arithmetic both assume it never changes mid-job.
const pageSize = 500

// offsets returns every page offset needed to cover total rows.
func offsets(total, size int64) []int64 {
	if total <= 0 || size <= 0 {
		return nil
	}
	pages := (total + size - 1) / size
	result := make([]int64, 0, pages)
	for i := int64(0); i < pages; i++ {
		result = append(result, i*size)
	}
	return result
}

// fetchPage pulls one page of the job's source result set, retrying transient
// failures with exponential backoff. Permanent failures (4xx, auth, schema
// mismatch) propagate immediately. A final failure here means this offset
// could not be fetched, not that the job is dead.
func (e *Engine) fetchPage(ctx context.Context, env models.Environment, job models.Job, offset int64) (*imis.Page, error) {
	var page *imis.Page
	operation := func() error {
		var err error
		switch job.Mode {
		case models.JobModeQuery:
			page, err = e.client.FetchQueryPage(ctx, env, *job.SourceQueryPath, pageSize, offset)
		case models.JobModeDatasource:
			page, err = e.client.FetchEntityPage(ctx, env, *job.SourceEntityType, pageSize, offset)
		default:
			return backoff.Permanent(&MigrationError{Op: "fetch page", Message: "unknown job mode " + string(job.Mode)})
		}
		if err != nil {
			if !imis.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	notify := func(err error, d time.Duration) {
		e.logger.Warn().
			Err(err).
			Str("job", job.ID).
			Int64("offset", offset).
			Dur("retry_in", d).
			Msg("transient page fetch failure, retrying")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(bo, e.cfg.FetchRetries), ctx), notify)
	if err != nil {
		return nil, err
	}
	return page, nil
}
