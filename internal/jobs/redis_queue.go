package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue 把任务存在 Redis 中：每个任务一个 hash，due 有序集合按执行时间排序，
// inflight 有序集合按租约到期时间排序。持久性取决于 Redis 配置（建议开启 AOF）。
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue 连接 redisURL 并检查连通性。
func NewRedisQueue(ctx context.Context, redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisQueue{client: client, prefix: "jobs"}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) dueKey() string          { return q.prefix + ":due" }
func (q *RedisQueue) inflightKey() string     { return q.prefix + ":inflight" }
func (q *RedisQueue) jobKey(id string) string { return fmt.Sprintf("%s:job:%s", q.prefix, id) }
func score(t time.Time) float64               { return float64(t.UnixMilli()) }
func scoreArg(t time.Time) string             { return strconv.FormatInt(t.UnixMilli(), 10) }

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobKey(job.ID), map[string]any{
			"name":       job.Name,
			"payload":    string(job.Payload),
			"run_at":     job.RunAt.UnixMilli(),
			"attempts":   job.Attempts,
			"created_at": now.UnixMilli(),
		})
		p.ZAdd(ctx, q.dueKey(), redis.Z{Score: score(job.RunAt), Member: job.ID})
		return nil
	})
	return err
}

// claimScript 把一个到期任务原子地从 due 移到 inflight 并累加 attempts。
// 任务已被其他 worker 取走或 hash 已不存在时返回 nil。
var claimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return false
end
if redis.call('EXISTS', KEYS[3]) == 0 then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HINCRBY', KEYS[3], 'attempts', 1)
return redis.call('HGETALL', KEYS[3])
`)

// requeueScript 把租约过期的任务放回 due，返回移动的数量。
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return #ids
`)

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error) {
	if err := q.requeueExpired(ctx, now); err != nil {
		return nil, err
	}

	ids, err := q.client.ZRangeByScore(ctx, q.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   scoreArg(now),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	lockedUntil := now.Add(lease).UTC()
	claimed := make([]Job, 0, len(ids))
	for _, id := range ids {
		flat, err := claimScript.Run(ctx, q.client,
			[]string{q.dueKey(), q.inflightKey(), q.jobKey(id)},
			id, scoreArg(lockedUntil),
		).StringSlice()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		fields := make(map[string]string, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			fields[flat[i]] = flat[i+1]
		}
		runAt, _ := strconv.ParseInt(fields["run_at"], 10, 64)
		attempts, _ := strconv.Atoi(fields["attempts"])
		claimed = append(claimed, Job{
			ID:          id,
			Name:        fields["name"],
			Payload:     []byte(fields["payload"]),
			RunAt:       time.UnixMilli(runAt).UTC(),
			Status:      StatusRunning,
			Attempts:    attempts,
			LockedUntil: &lockedUntil,
			LastError:   fields["last_error"],
		})
	}
	return claimed, nil
}

func (q *RedisQueue) requeueExpired(ctx context.Context, now time.Time) error {
	return requeueScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.dueKey()},
		"("+scoreArg(now), scoreArg(now),
	).Err()
}

func (q *RedisQueue) Complete(ctx context.Context, id string, now time.Time) error {
	cmds, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.inflightKey(), id)
		p.Del(ctx, q.jobKey(id))
		return nil
	})
	if err != nil {
		return err
	}
	if cmds[1].(*redis.IntCmd).Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, id string, runAt time.Time, cause error) error {
	exists, err := q.client.Exists(ctx, q.jobKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.inflightKey(), id)
		p.HSet(ctx, q.jobKey(id), "last_error", msg, "run_at", runAt.UnixMilli())
		p.ZAdd(ctx, q.dueKey(), redis.Z{Score: score(runAt), Member: id})
		return nil
	})
	return err
}
