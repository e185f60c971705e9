package worker

import (
	"fmt"
	"time"
)

type JobType int

const (
	Notify JobType = iota
	Collect
	Stop
)

func (t JobType) String() string {
	switch t {
	case Notify:
		return "notify"
	case Collect:
		return "collect"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("job(%d)", int(t))
	}
}

// Job is one unit of dispatcher work for a session. Attempt counts notify
// tries starting at 1; Deadline bounds how long results are collected.
type Job struct {
	Type      JobType
	SessionID int64
	Attempt   int
	Deadline  time.Time
}

type Worker struct {
	id         int
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		id:         id,
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			switch job.Type {
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			case Notify:
				w.manager.handleNotify(job)
			case Collect:
				w.manager.handleCollect(job)
			}
			if !w.pool.Release(w.jobChannel) {
				return
			}
		}
	}()
}
