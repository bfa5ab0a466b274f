package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Sweeper 按 cron 表达式定期执行兜底任务，与队列相互独立，
// 用来补上队列漏掉的工作，例如任务记录失败前已写入的数据。
type Sweeper struct {
	cron    *cron.Cron
	timeout time.Duration
}

func NewSweeper() *Sweeper {
	return &Sweeper{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: 5 * time.Minute,
	}
}

// Add 按 spec 调度 fn（标准 cron 或 "@every 10m"）。
func (s *Sweeper) Add(spec, name string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("sweep", name).Msg("sweep failed")
			return
		}
		log.Debug().Str("sweep", name).Msg("sweep done")
	})
	return err
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop 停止调度新任务，并在 ctx 结束前等待正在执行的任务。
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
