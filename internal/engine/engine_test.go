package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codythatsme/i-migrate-sub000/internal/imis"
	"github.com/codythatsme/i-migrate-sub000/internal/models"
	"github.com/codythatsme/i-migrate-sub000/internal/repository"
	"github.com/codythatsme/i-migrate-sub000/internal/session"
)

const testPassphrase = "hunter2"

// fakeRows is an in-memory RowRepository mirroring the SQL layer's
// uniqueness and not-found behavior.
type fakeRows struct {
	mu       sync.Mutex
	rows     map[string]models.Row
	attempts map[string][]models.Attempt
	seq      int
}

func newFakeRows() *fakeRows {
	return &fakeRows{
		rows:     map[string]models.Row{},
		attempts: map[string][]models.Attempt{},
	}
}

func (f *fakeRows) CreateWithAttempts(row models.Row, attempts []models.Attempt) (models.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.rows {
		if existing.JobID == row.JobID && existing.RowIndex == row.RowIndex {
			return models.Row{}, fmt.Errorf("duplicate row index %d for job %s", row.RowIndex, row.JobID)
		}
	}
	f.seq++
	row.ID = fmt.Sprintf("row-%d", f.seq)
	now := time.Now()
	row.CreatedAt = now
	row.UpdatedAt = now
	f.rows[row.ID] = row
	for _, attempt := range attempts {
		f.appendAttemptLocked(row.ID, attempt)
	}
	return row, nil
}

func (f *fakeRows) UpdateWithAttempt(rowID string, status models.RowStatus, identityElements []string, attempt models.Attempt) (models.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[rowID]
	if !ok {
		return models.Attempt{}, repository.ErrNotFound
	}
	row.Status = status
	row.IdentityElements = identityElements
	row.UpdatedAt = time.Now()
	f.rows[rowID] = row
	return f.appendAttemptLocked(rowID, attempt), nil
}

func (f *fakeRows) appendAttemptLocked(rowID string, attempt models.Attempt) models.Attempt {
	f.seq++
	attempt.ID = fmt.Sprintf("attempt-%d", f.seq)
	attempt.RowID = rowID
	attempt.CreatedAt = time.Now()
	f.attempts[rowID] = append(f.attempts[rowID], attempt)
	return attempt
}

func (f *fakeRows) Get(id string) (models.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return models.Row{}, repository.ErrNotFound
	}
	return row, nil
}

func (f *fakeRows) byJobLocked(jobID string) []models.Row {
	var out []models.Row
	for _, row := range f.rows {
		if row.JobID == jobID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out
}

func (f *fakeRows) ListByJob(jobID string, statusFilter *models.RowStatus, limit, offset int) ([]models.Row, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var filtered []models.Row
	for _, row := range f.byJobLocked(jobID) {
		if statusFilter != nil && row.Status != *statusFilter {
			continue
		}
		filtered = append(filtered, row)
	}
	total := int64(len(filtered))
	if offset >= len(filtered) {
		return nil, total, nil
	}
	filtered = filtered[offset:]
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}
	return filtered, total, nil
}

func (f *fakeRows) ListFailedByJob(jobID string) ([]models.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Row
	for _, row := range f.byJobLocked(jobID) {
		if row.Status == models.RowStatusFailed {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeRows) CountByStatus(jobID string) (models.RowCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var counts models.RowCounts
	for _, row := range f.rows {
		if row.JobID != jobID {
			continue
		}
		switch row.Status {
		case models.RowStatusSuccess:
			counts.Succeeded++
		case models.RowStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (f *fakeRows) ListAttempts(rowID string) ([]models.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Attempt(nil), f.attempts[rowID]...), nil
}

func (f *fakeRows) LatestAttempt(rowID string) (models.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempts := f.attempts[rowID]
	if len(attempts) == 0 {
		return models.Attempt{}, repository.ErrNotFound
	}
	return attempts[len(attempts)-1], nil
}

func (f *fakeRows) failedCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, row := range f.rows {
		if row.JobID == jobID && row.Status == models.RowStatusFailed {
			n++
		}
	}
	return n
}

// fakeJobs is an in-memory JobRepository. The guarded transitions (Finalize,
// Cancel, FlipPartialCompleted) mirror the SQL layer's WHERE clauses so the
// state machine behaves the same under test.
type fakeJobs struct {
	mu            sync.Mutex
	jobs          map[string]models.Job
	rows          *fakeRows
	finalizeCalls int
}

func newFakeJobs(rows *fakeRows, seed ...models.Job) *fakeJobs {
	f := &fakeJobs{jobs: map[string]models.Job{}, rows: rows}
	for _, job := range seed {
		f.jobs[job.ID] = job
	}
	return f
}

func (f *fakeJobs) Create(job models.Job) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(f.jobs)+1)
	}
	job.Status = models.JobStatusQueued
	job.FailedOffsets = []int64{}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) Get(id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, repository.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) ListWithStats() ([]models.JobStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.JobStat
	for _, job := range f.jobs {
		out = append(out, models.JobStat{Job: job, FailedOffsetsLen: len(job.FailedOffsets)})
	}
	return out, nil
}

func (f *fakeJobs) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobs) MarkRunning(id string) error {
	return f.mutate(id, func(job *models.Job) {
		job.Status = models.JobStatusRunning
		now := time.Now()
		job.StartedAt = &now
	})
}

func (f *fakeJobs) SetTotalCount(id string, totalCount int64) error {
	return f.mutate(id, func(job *models.Job) {
		job.TotalCount = &totalCount
	})
}

func (f *fakeJobs) SetIdentityFields(id string, fields []string) error {
	return f.mutate(id, func(job *models.Job) {
		job.IdentityFields = append([]string(nil), fields...)
	})
}

func (f *fakeJobs) SetFailedOffsets(id string, offsets []int64) error {
	return f.mutate(id, func(job *models.Job) {
		job.FailedOffsets = append([]int64(nil), offsets...)
	})
}

func (f *fakeJobs) Finalize(id string, status models.JobStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	job, ok := f.jobs[id]
	if !ok || job.Status != models.JobStatusRunning {
		return false, nil
	}
	job.Status = status
	now := time.Now()
	job.CompletedAt = &now
	job.UpdatedAt = now
	f.jobs[id] = job
	return true, nil
}

func (f *fakeJobs) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if job.Status != models.JobStatusRunning {
		return nil
	}
	job.Status = models.JobStatusCancelled
	now := time.Now()
	job.CompletedAt = &now
	job.UpdatedAt = now
	f.jobs[id] = job
	return nil
}

func (f *fakeJobs) FlipPartialCompleted(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != models.JobStatusPartial || len(job.FailedOffsets) != 0 {
		return false, nil
	}
	if f.rows != nil && f.rows.failedCount(id) > 0 {
		return false, nil
	}
	job.Status = models.JobStatusCompleted
	job.UpdatedAt = time.Now()
	f.jobs[id] = job
	return true, nil
}

func (f *fakeJobs) finalizes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalizeCalls
}

func (f *fakeJobs) mutate(id string, fn func(job *models.Job)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&job)
	job.UpdatedAt = time.Now()
	f.jobs[id] = job
	return nil
}

type fakeEnvs struct {
	mu   sync.Mutex
	envs map[string]models.Environment
}

func newFakeEnvs(seed ...models.Environment) *fakeEnvs {
	f := &fakeEnvs{envs: map[string]models.Environment{}}
	for _, env := range seed {
		f.envs[env.ID] = env
	}
	return f
}

func (f *fakeEnvs) List() ([]models.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Environment
	for _, env := range f.envs {
		out = append(out, env)
	}
	return out, nil
}

func (f *fakeEnvs) Get(id string) (models.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, ok := f.envs[id]
	if !ok {
		return models.Environment{}, repository.ErrNotFound
	}
	return env, nil
}

func (f *fakeEnvs) Create(env models.Environment) (models.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if env.ID == "" {
		env.ID = fmt.Sprintf("env-%d", len(f.envs)+1)
	}
	f.envs[env.ID] = env
	return env, nil
}

func (f *fakeEnvs) Update(env models.Environment) (models.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.envs[env.ID]; !ok {
		return models.Environment{}, repository.ErrNotFound
	}
	f.envs[env.ID] = env
	return env, nil
}

func (f *fakeEnvs) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.envs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.envs, id)
	return nil
}

// stubClient implements Client with overridable behavior per call. Nil
// functions succeed with canned responses.
type stubClient struct {
	mu          sync.Mutex
	fetchCalls  int
	insertCalls int

	fetchQuery     func(queryPath string, limit, offset int64) (*imis.Page, error)
	fetchEntity    func(entityType string, limit, offset int64) (*imis.Page, error)
	insertEntity   func(entityType string, properties map[string]interface{}) ([]string, error)
	insertCustom   func(path string, payload interface{}) ([]string, error)
	identityFields []string
	identityErr    error
}

func (s *stubClient) FetchQueryPage(_ context.Context, _ models.Environment, queryPath string, limit, offset int64) (*imis.Page, error) {
	s.mu.Lock()
	s.fetchCalls++
	s.mu.Unlock()
	if s.fetchQuery == nil {
		return &imis.Page{Offset: offset}, nil
	}
	return s.fetchQuery(queryPath, limit, offset)
}

func (s *stubClient) FetchEntityPage(_ context.Context, _ models.Environment, entityType string, limit, offset int64) (*imis.Page, error) {
	s.mu.Lock()
	s.fetchCalls++
	s.mu.Unlock()
	if s.fetchEntity == nil {
		return &imis.Page{Offset: offset}, nil
	}
	return s.fetchEntity(entityType, limit, offset)
}

func (s *stubClient) InsertEntity(_ context.Context, _ models.Environment, entityType, _, _ string, properties map[string]interface{}) ([]string, error) {
	s.mu.Lock()
	s.insertCalls++
	s.mu.Unlock()
	if s.insertEntity == nil {
		return []string{"100"}, nil
	}
	return s.insertEntity(entityType, properties)
}

func (s *stubClient) InsertCustomEndpoint(_ context.Context, _ models.Environment, path string, payload interface{}) ([]string, error) {
	s.mu.Lock()
	s.insertCalls++
	s.mu.Unlock()
	if s.insertCustom == nil {
		return []string{"100"}, nil
	}
	return s.insertCustom(path, payload)
}

func (s *stubClient) FetchIdentityFields(_ context.Context, _ models.Environment, _ string) ([]string, error) {
	if s.identityErr != nil {
		return nil, s.identityErr
	}
	if s.identityFields == nil {
		return []string{"ID"}, nil
	}
	return s.identityFields, nil
}

func (s *stubClient) fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

func (s *stubClient) inserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertCalls
}

// harness wires an Engine to in-memory fakes with the source environment
// already unlocked.
type harness struct {
	engine   *Engine
	jobs     *fakeJobs
	rows     *fakeRows
	envs     *fakeEnvs
	sessions session.Store
	client   *stubClient
}

func strPtr(s string) *string { return &s }

func testSourceEnv() models.Environment {
	return models.Environment{
		ID:                "env-src",
		Name:              "Production",
		BaseURL:           "https://prod.example.org",
		Username:          "MigrationSvc",
		QueryConcurrency:  2,
		InsertConcurrency: 4,
	}
}

func testDestEnv() models.Environment {
	return models.Environment{
		ID:                "env-dst",
		Name:              "Staging",
		BaseURL:           "https://staging.example.org",
		Username:          "MigrationSvc",
		QueryConcurrency:  2,
		InsertConcurrency: 4,
	}
}

func testJob() models.Job {
	return models.Job{
		ID:                       "job-1",
		Name:                     "donor import",
		Mode:                     models.JobModeQuery,
		SourceEnvironmentID:      "env-src",
		SourceQueryPath:          strPtr("$/Fundraising/DonorExport"),
		DestinationEnvironmentID: "env-dst",
		DestinationEntityType:    "Donor",
		DestinationKind:          models.DestinationKindBOEntity,
		FieldMappings: []models.FieldMapping{
			{SourceField: "name", DestinationField: strPtr("FullName")},
			{SourceField: "age", DestinationField: nil},
		},
		Status:        models.JobStatusQueued,
		FailedOffsets: []int64{},
	}
}

func newHarness(client *stubClient, seed ...models.Job) *harness {
	rows := newFakeRows()
	jobs := newFakeJobs(rows, seed...)
	envs := newFakeEnvs(testSourceEnv(), testDestEnv())
	sessions := session.NewMemoryStore()
	sessions.Set("env-src", testPassphrase)
	engine := NewEngine(jobs, rows, envs, sessions, client, Config{
		FetchRetries:   2,
		InitialBackoff: time.Millisecond,
	}, zerolog.Nop())
	return &harness{
		engine:   engine,
		jobs:     jobs,
		rows:     rows,
		envs:     envs,
		sessions: sessions,
		client:   client,
	}
}

// sourcePage fabricates one page of raw source rows. Pages in tests carry
// fewer rows than the real page size; pagination math only reads TotalCount.
func sourcePage(total, offset int64, names ...string) *imis.Page {
	rows := make([]map[string]interface{}, 0, len(names))
	for i, name := range names {
		rows = append(rows, map[string]interface{}{
			"name": name,
			"age":  float64(30 + i),
			"memo": []interface{}{"not", "representable"},
		})
	}
	return &imis.Page{Rows: rows, Offset: offset, TotalCount: total}
}

func transientErr() error {
	return &imis.APIError{Kind: imis.ErrorKindResponse, Status: 503, Op: "fetch page", Err: fmt.Errorf("bad gateway")}
}

func permanentErr() error {
	return &imis.APIError{Kind: imis.ErrorKindResponse, Status: 404, Op: "fetch page", Err: fmt.Errorf("query not found")}
}
