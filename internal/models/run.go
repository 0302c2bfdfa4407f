package models

import "time"

// RunStatus is the outcome reported by the validation pipeline.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunError   RunStatus = "error"
)

// RunObservation is a single validation run as recorded by the run registry.
type RunObservation struct {
	RunID        string    `json:"run_id"`
	SourceName   string    `json:"source_name"`
	Status       RunStatus `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	RowsTotal    int64     `json:"rows_total"`
	RowsFailed   int64     `json:"rows_failed"`
	ChecksTotal  int       `json:"checks_total"`
	ChecksFailed int       `json:"checks_failed"`
}

// Succeeded reports whether the run passed.
func (r RunObservation) Succeeded() bool {
	return r.Status == RunSuccess
}
