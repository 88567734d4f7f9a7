package models

// RowCounts aggregates the per-status row totals for one job. Together with
// the failed-offset set this is the whole failure signal a job surfaces.
type RowCounts struct {
	Succeeded int64 `json:"succeeded" db:"succeeded"`
	Failed    int64 `json:"failed" db:"failed"`
}

// JobStat is a job plus the outcome counts the listing endpoints return, so
// a status line can be rendered without a second query.
type JobStat struct {
	Job

	SucceededRows    int64 `json:"succeeded_rows" db:"succeeded_rows"`
	FailedRows       int64 `json:"failed_rows" db:"failed_rows"`
	FailedOffsetsLen int   `json:"failed_offsets_len"`
}
