package models

import (
	"time"
)

// JobRunStatus is the outcome of the latest run of a job
type JobRunStatus string

const (
	JobRunNever     JobRunStatus = "never"
	JobRunRunning   JobRunStatus = "running"
	JobRunSucceeded JobRunStatus = "succeeded"
	JobRunFailed    JobRunStatus = "failed"
)

// JobRun is the persisted watermark and last-run status of one scheduled job.
// Version is bumped on every write; writers compare-and-swap on it.
type JobRun struct {
	BaseModel

	Name       string       `json:"name" gorm:"not null;size:64;uniqueIndex"`
	Version    int64        `json:"version" gorm:"not null;default:0"`
	RunID      string       `json:"run_id" gorm:"size:36"`
	Status     JobRunStatus `json:"status" gorm:"not null;size:20;default:'never'"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Watermark  *time.Time   `json:"watermark,omitempty"` // reference time of the last successful run
	Processed  int          `json:"processed"`
	Failed     int          `json:"failed"`
	LastError  string       `json:"last_error,omitempty" gorm:"type:text"`
}
