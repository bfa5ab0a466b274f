package jobs

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// DBQueue 把任务存在业务数据库中。
type DBQueue struct {
	db *gorm.DB
}

func NewDBQueue(db *gorm.DB) *DBQueue {
	return &DBQueue{db: db}
}

func (q *DBQueue) Enqueue(ctx context.Context, job *Job) error {
	return q.db.WithContext(ctx).Create(job).Error
}

const claimableWhere = "(status = ? AND run_at <= ?) OR (status = ? AND locked_until < ?)"

func (q *DBQueue) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error) {
	now = now.UTC()
	var candidates []Job
	err := q.db.WithContext(ctx).
		Where(claimableWhere, StatusPending, now, StatusRunning, now).
		Order("run_at").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	lockedUntil := now.Add(lease)
	claimed := make([]Job, 0, len(candidates))
	for _, job := range candidates {
		// 重复 WHERE 条件，并发认领失败的一方 RowsAffected 为 0
		res := q.db.WithContext(ctx).Model(&Job{}).
			Where("id = ?", job.ID).
			Where(claimableWhere, StatusPending, now, StatusRunning, now).
			Updates(map[string]any{
				"status":       StatusRunning,
				"locked_until": lockedUntil,
				"attempts":     gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected != 1 {
			continue
		}
		job.Status = StatusRunning
		job.Attempts++
		job.LockedUntil = &lockedUntil
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (q *DBQueue) Complete(ctx context.Context, id string, now time.Time) error {
	res := q.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":       StatusDone,
		"completed_at": now.UTC(),
		"locked_until": nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *DBQueue) Retry(ctx context.Context, id string, runAt time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res := q.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":       StatusPending,
		"run_at":       runAt.UTC(),
		"locked_until": nil,
		"last_error":   msg,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get 读取单个任务，主要用于排查和测试。
func (q *DBQueue) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := q.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}
