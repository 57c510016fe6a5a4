package model

import "time"

// RunStatus is the persisted status of a sync run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Stage is a state of the sync coordinator.
type Stage string

const (
	StageIdle      Stage = "idle"
	StageFetching  Stage = "fetching"
	StageParsing   Stage = "parsing"
	StageWriting   Stage = "writing"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// Active reports whether a run in this stage holds the run guard.
func (s Stage) Active() bool {
	return s == StageFetching || s == StageParsing || s == StageWriting
}

// SyncRun is the metadata record of one ingestion attempt.
type SyncRun struct {
	ID            string     `json:"id"`
	Status        RunStatus  `json:"status"`
	Stage         Stage      `json:"stage"`
	SourceURL     string     `json:"source_url"`
	SourceYear    int        `json:"source_year"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	BytesFetched  int64      `json:"bytes_fetched"`
	RowsProcessed int64      `json:"rows_processed"`
	RowsRejected  int64      `json:"rows_rejected"`
	RowsWritten   int64      `json:"rows_written"`
	CacheSize     int        `json:"cache_size"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// RunStats carries the counters recorded when a run reaches a terminal state.
type RunStats struct {
	Stage         Stage
	BytesFetched  int64
	RowsProcessed int64
	RowsRejected  int64
	RowsWritten   int64
	CacheSize     int
}
