package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codythatsme/i-migrate-sub000/internal/imis"
	"github.com/codythatsme/i-migrate-sub000/internal/models"
	"github.com/codythatsme/i-migrate-sub000/internal/repository"
	"github.com/codythatsme/i-migrate-sub000/internal/session"
)

func waitForTerminal(t *testing.T, jobs *fakeJobs, jobID string) models.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := jobs.Get(jobID)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	job, err := jobs.Get(jobID)
	require.NoError(t, err)
	return job
}

func TestRunMigratesAllPages(t *testing.T) {
	pages := map[int64]*imis.Page{
		0:    sourcePage(1250, 0, "Ada", "Bob"),
		500:  sourcePage(1250, 500, "Carol", "Dan"),
		1000: sourcePage(1250, 1000, "Eve", "Frank"),
	}
	var (
		mu       sync.Mutex
		inserted []map[string]interface{}
	)
	client := &stubClient{
		identityFields: []string{"DonorKey", "Ordinal"},
		fetchQuery: func(_ string, _, offset int64) (*imis.Page, error) {
			page, ok := pages[offset]
			if !ok {
				return nil, permanentErr()
			}
			return page, nil
		},
		insertEntity: func(entityType string, properties map[string]interface{}) ([]string, error) {
			mu.Lock()
			inserted = append(inserted, properties)
			mu.Unlock()
			return []string{"12345"}, nil
		},
	}
	h := newHarness(client, testJob())

	require.NoError(t, h.engine.Run(context.Background(), "job-1"))

	job := waitForTerminal(t, h.jobs, "job-1")
	require.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.TotalCount)
	require.Equal(t, int64(1250), *job.TotalCount)
	require.Equal(t, []string{"DonorKey", "Ordinal"}, job.IdentityFields)
	require.Empty(t, job.FailedOffsets)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)

	counts, err := h.rows.CountByStatus("job-1")
	require.NoError(t, err)
	require.Equal(t, int64(6), counts.Succeeded)
	require.Equal(t, int64(0), counts.Failed)

	// Inserts carry only the mapped fields.
	require.Len(t, inserted, 6)
	for _, properties := range inserted {
		require.Contains(t, properties, "FullName")
		require.NotContains(t, properties, "age")
		require.NotContains(t, properties, "memo")
	}
}

func TestRunMarksJobPartialOnRowFailure(t *testing.T) {
	client := &stubClient{
		fetchQuery: func(_ string, _, offset int64) (*imis.Page, error) {
			return sourcePage(3, offset, "Ada", "Bob", "Grace"), nil
		},
		insertEntity: func(entityType string, properties map[string]interface{}) ([]string, error) {
			if properties["FullName"] == "Bob" {
				return nil, &imis.InsertError{Attempts: 4, Err: fmt.Errorf("gateway timeout")}
			}
			return []string{"12345"}, nil
		},
	}
	h := newHarness(client, testJob())

	require.NoError(t, h.engine.Run(context.Background(), "job-1"))

	job := waitForTerminal(t, h.jobs, "job-1")
	require.Equal(t, models.JobStatusPartial, job.Status)
	require.Empty(t, job.FailedOffsets)

	counts, err := h.rows.CountByStatus("job-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.Succeeded)
	require.Equal(t, int64(1), counts.Failed)

	failed, err := h.rows.ListFailedByJob("job-1")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, int64(1), failed[0].RowIndex)

	attempts, err := h.rows.ListAttempts(failed[0].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
}

func TestRunRecordsFirstPageFetchFailure(t *testing.T) {
	client := &stubClient{
		fetchQuery: func(_ string, _, offset int64) (*imis.Page, error) {
			return nil, permanentErr()
		},
	}
	h := newHarness(client, testJob())

	require.NoError(t, h.engine.Run(context.Background(), "job-1"))

	job := waitForTerminal(t, h.jobs, "job-1")
	require.Equal(t, models.JobStatusPartial, job.Status)
	require.Equal(t, []int64{0}, job.FailedOffsets)
	// Without the first page the total is unknown.
	require.Nil(t, job.TotalCount)

	rows, _, err := h.rows.ListByJob("job-1", nil, 0, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRunSkipsDeadTailOffset(t *testing.T) {
	client := &stubClient{
		fetchQuery: func(_ string, _, offset int64) (*imis.Page, error) {
			switch offset {
			case 0:
				return sourcePage(1250, 0, "Ada", "Bob"), nil
			case 1000:
				return sourcePage(1250, 1000, "Eve", "Frank"), nil
			default:
				return nil, permanentErr()
			}
		},
	}
	h := newHarness(client, testJob())

	require.NoError(t, h.engine.Run(context.Background(), "job-1"))

	job := waitForTerminal(t, h.jobs, "job-1")
	require.Equal(t, models.JobStatusPartial, job.Status)
	require.Equal(t, []int64{500}, job.FailedOffsets)

	counts, err := h.rows.CountByStatus("job-1")
	require.NoError(t, err)
	require.Equal(t, int64(4), counts.Succeeded)

	rows, _, err := h.rows.ListByJob("job-1", nil, 0, 0)
	require.NoError(t, err)
	var indices []int64
	for _, row := range rows {
		indices = append(indices, row.RowIndex)
	}
	require.Equal(t, []int64{0, 1, 1000, 1001}, indices)
}

func TestRunRejectsNonQueuedJob(t *testing.T) {
	job := testJob()
	job.Status = models.JobStatusRunning
	h := newHarness(&stubClient{}, job)

	err := h.engine.Run(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Equal(t, 0, h.client.fetches())
}

func TestRunRejectsCompletedJob(t *testing.T) {
	job := testJob()
	job.Status = models.JobStatusCompleted
	h := newHarness(&stubClient{}, job)

	err := h.engine.Run(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRunUnknownJob(t *testing.T) {
	h := newHarness(&stubClient{})
	err := h.engine.Run(context.Background(), "nope")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRunRequiresUnlockedCredentials(t *testing.T) {
	h := newHarness(&stubClient{}, testJob())
	h.sessions.Clear("env-src")

	err := h.engine.Run(context.Background(), "job-1")
	require.ErrorIs(t, err, session.ErrMissingCredentials)

	job, err := h.jobs.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, job.Status)
}

func TestRunRejectsUnregisteredCustomEndpoint(t *testing.T) {
	job := testJob()
	job.DestinationKind = models.DestinationKindCustomEndpoint
	job.DestinationEntityType = "Widget"
	h := newHarness(&stubClient{}, job)

	err := h.engine.Run(context.Background(), "job-1")
	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)

	got, err := h.jobs.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, got.Status)
}

func TestCancelIsNoOpOnQueuedJob(t *testing.T) {
	h := newHarness(&stubClient{}, testJob())

	require.NoError(t, h.engine.Cancel("job-1"))
	job, err := h.jobs.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, job.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	h := newHarness(&stubClient{})
	require.ErrorIs(t, h.engine.Cancel("nope"), repository.ErrNotFound)
}

func TestCancelWinsOverFinalize(t *testing.T) {
	release := make(chan struct{})
	client := &stubClient{
		fetchQuery: func(_ string, _, offset int64) (*imis.Page, error) {
			<-release
			return sourcePage(1, offset, "Ada"), nil
		},
	}
	h := newHarness(client, testJob())

	require.NoError(t, h.engine.Run(context.Background(), "job-1"))

	job, err := h.jobs.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, job.Status)

	require.NoError(t, h.engine.Cancel("job-1"))
	close(release)

	// The detached run finishes its page and tries to finalize, but the
	// cancel already owns the terminal status.
	require.Eventually(t, func() bool {
		return h.jobs.finalizes() > 0
	}, 5*time.Second, 5*time.Millisecond)

	job, err = h.jobs.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCancelled, job.Status)

	// The in-flight page still got recorded.
	rows, _, err := h.rows.ListByJob("job-1", nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, models.RowStatusSuccess, rows[0].Status)
}

func TestDeleteRemovesJob(t *testing.T) {
	h := newHarness(&stubClient{}, testJob())

	require.NoError(t, h.engine.Delete("job-1"))
	_, err := h.jobs.Get("job-1")
	require.ErrorIs(t, err, repository.ErrNotFound)
}
