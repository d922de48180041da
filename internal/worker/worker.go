package worker

import (
	"fmt"
	"log/slog"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for job := range w.jobChannel {
			if job.Type == Stop {
				debugLog("worker stopped", "worker", w.id)
				return
			}
			w.run(job)
			if !w.pool.Release(w.jobChannel) {
				return
			}
		}
	}()
}

func (w *Worker) run(job Job) {
	if err := job.ctx.Err(); err != nil {
		// caller went away while the job was queued
		job.complete(err)
		return
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("worker task panicked", "worker", w.id, "user_id", job.UserID, "kind", job.Kind, "panic", r)
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		err = job.task(job.ctx)
	}()
	debugLog("job finished", "worker", w.id, "user_id", job.UserID, "kind", job.Kind, "err", err)
	job.complete(err)
}
