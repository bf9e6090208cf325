package database

import (
	"context"
	"errors"
	"time"

	"entitlement-service/internal/models"

	"gorm.io/gorm"
)

// ErrRunConflict is returned when another run of the same job holds the row
var ErrRunConflict = errors.New("job run already in progress")

// RunResult is what a finished run writes back
type RunResult struct {
	FinishedAt time.Time
	Reference  time.Time // the run's "now", stored as the watermark on success
	Processed  int
	Failed     int
	Err        error
}

// JobRunStore persists per-job status and watermark rows
type JobRunStore struct {
	db         *gorm.DB
	staleAfter time.Duration
}

// NewJobRunStore creates a store. A running row older than staleAfter is
// considered abandoned and may be taken over.
func NewJobRunStore(db *gorm.DB, staleAfter time.Duration) *JobRunStore {
	return &JobRunStore{db: db, staleAfter: staleAfter}
}

// Get 获取任务状态，不存在时创建
func (s *JobRunStore) Get(ctx context.Context, name string) (*models.JobRun, error) {
	run := models.JobRun{Name: name, Status: models.JobRunNever}
	if err := s.db.WithContext(ctx).Where("name = ?", name).FirstOrCreate(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// List 获取所有任务状态
func (s *JobRunStore) List(ctx context.Context) ([]models.JobRun, error) {
	var runs []models.JobRun
	err := s.db.WithContext(ctx).Order("name").Find(&runs).Error
	return runs, err
}

// Begin marks name as running under runID
func (s *JobRunStore) Begin(ctx context.Context, name, runID string, now time.Time) (*models.JobRun, error) {
	run, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if run.Status == models.JobRunRunning && run.StartedAt != nil && now.Sub(*run.StartedAt) < s.staleAfter {
		return nil, ErrRunConflict
	}

	result := s.db.WithContext(ctx).Model(&models.JobRun{}).
		Where("name = ? AND version = ?", name, run.Version).
		Updates(map[string]interface{}{
			"version":    gorm.Expr("version + 1"),
			"run_id":     runID,
			"status":     models.JobRunRunning,
			"started_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrRunConflict
	}

	run.Version++
	run.RunID = runID
	run.Status = models.JobRunRunning
	run.StartedAt = &now
	return run, nil
}

// Finish records the outcome of runID. The watermark only advances on success.
func (s *JobRunStore) Finish(ctx context.Context, name, runID string, res RunResult) error {
	updates := map[string]interface{}{
		"version":     gorm.Expr("version + 1"),
		"finished_at": res.FinishedAt,
		"processed":   res.Processed,
		"failed":      res.Failed,
	}
	if res.Err != nil {
		updates["status"] = models.JobRunFailed
		updates["last_error"] = res.Err.Error()
	} else {
		updates["status"] = models.JobRunSucceeded
		updates["last_error"] = ""
		updates["watermark"] = res.Reference
	}

	result := s.db.WithContext(ctx).Model(&models.JobRun{}).
		Where("name = ? AND run_id = ? AND status = ?", name, runID, models.JobRunRunning).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunConflict
	}
	return nil
}
