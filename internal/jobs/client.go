package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Client 只负责记录任务，不等待执行。
type Client struct {
	queue Queue
	now   func() time.Time
}

func NewClient(q Queue) *Client {
	return &Client{queue: q, now: func() time.Time { return time.Now().UTC() }}
}

// Schedule 持久化一个任务：name 在 runAt 之后携带 payload 执行。
func (c *Client) Schedule(ctx context.Context, name string, runAt time.Time, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("jobs: encode %s payload: %w", name, err)
	}
	job := &Job{
		ID:      ulid.Make().String(),
		Name:    name,
		Payload: data,
		RunAt:   runAt.UTC(),
		Status:  StatusPending,
	}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("jobs: enqueue %s: %w", name, err)
	}
	log.Debug().Str("job_id", job.ID).Str("name", name).Time("run_at", job.RunAt).Msg("job scheduled")
	return job.ID, nil
}

// Send 记录一个立即到期的事件。
func (c *Client) Send(ctx context.Context, name string, payload any) (string, error) {
	return c.Schedule(ctx, name, c.now(), payload)
}
