// Package jobs 是一个小型持久化任务执行器：调用方记录某个命名动作在指定时间执行，
// 轮询的 Worker 至少执行一次，可能在另一个进程中。handler 必须幂等。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
)

// ErrNotFound 表示任务 id 不存在。
var ErrNotFound = errors.New("jobs: job not found")

type Job struct {
	ID          string         `gorm:"primaryKey;size:26" json:"id"`
	Name        string         `gorm:"size:64;not null;index" json:"name"`
	Payload     datatypes.JSON `json:"payload"`
	RunAt       time.Time      `gorm:"not null;index:idx_job_due,priority:2" json:"run_at"`
	Status      Status         `gorm:"size:16;not null;index:idx_job_due,priority:1" json:"status"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	LockedUntil *time.Time     `json:"locked_until,omitempty"`
	LastError   string         `gorm:"type:text" json:"last_error,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Handler 执行单个任务。返回错误时任务重新进入 due 等待重试，因此必须能重复执行。
type Handler func(ctx context.Context, payload []byte) error

// Queue 是 Worker 背后的持久化存储。
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Claim 租用最多 limit 个已到期的任务。租约过期仍未完成的任务可再次被认领。
	Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error)
	Complete(ctx context.Context, id string, now time.Time) error
	Retry(ctx context.Context, id string, runAt time.Time, cause error) error
}

// Decode 把任务 payload 解码为 T。
func Decode[T any](payload []byte) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
