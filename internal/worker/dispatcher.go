package worker

import (
	"container/list"
	"sync"
	"time"
)

type sessionQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher feeds jobs to the pool one session at a time, round robin, so a
// session with many pending jobs cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	Manager  *Manager

	mu        sync.Mutex
	queues    map[int64]*sessionQueue // job queue for each session
	ready     *list.List              // round robin list of session IDs
	positions map[int64]*list.Element

	quit     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager)

	d := &Dispatcher{
		queues:    make(map[int64]*sessionQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		Manager:   manager,
		quit:      make(chan struct{}),
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the session in front of the ready list
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // nothing ready, block
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue: // non-blocking intake between dispatches
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

// Stop ends the dispatch loop and shuts the pool down. Queued jobs are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
	})
}

// CancelSession drops queued jobs of a session.
func (d *Dispatcher) CancelSession(sessionID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.queues, sessionID)
	if elem, ok := d.positions[sessionID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.SessionID]
	if q == nil {
		q = &sessionQueue{}
		d.queues[job.SessionID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(job.SessionID)
	d.positions[job.SessionID] = elem
}

// next pops the front session's oldest job and rotates the session to the back.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	sessionID := elem.Value.(int64)
	q := d.queues[sessionID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
		delete(d.queues, sessionID)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

// dispatchOne hands the next job to a worker
func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.next()
	if !ok {
		return false
	}
	workerChan := d.pool.acquire()
	if workerChan == nil {
		return false
	}
	if d.Manager != nil {
		d.Manager.debug("dispatch job", "job", job.Type.String(), "session_id", job.SessionID, "worker", d.pool.workerID(workerChan))
	}
	workerChan <- job
	return true
}
