package worker

import (
	"fmt"

	"go.uber.org/zap"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	logger     *zap.Logger
}

func NewWorker(id int, pool *jobChannelPool, logger *zap.Logger) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		logger:     logger,
	}
}

// Start marks the worker idle and begins serving its channel.
func (w *Worker) Start() {
	if !w.pool.Release(w.jobChannel) {
		w.pool.retire(w.jobChannel)
		return
	}
	go func() {
		for job := range w.jobChannel {
			if job.Type == Stop {
				w.logger.Debug("worker stopped", zap.Int("worker", w.id))
				w.pool.retire(w.jobChannel)
				return
			}
			w.execute(job)
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}

func (w *Worker) execute(job Job) {
	if err := job.ctx.Err(); err != nil {
		job.finish(err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked",
				zap.Int("worker", w.id),
				zap.String("key", job.Key),
				zap.Any("panic", r),
			)
			job.finish(fmt.Errorf("job panicked: %v", r))
		}
	}()
	job.fn(job.ctx)
	job.finish(nil)
}
