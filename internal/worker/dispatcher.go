package worker

import (
	"container/list"
	"sync"
)

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to pooled workers, rotating fairly between users so
// one busy user cannot starve the others. Jobs stay in their user's queue
// until a worker is free, so they can still be canceled.
type Dispatcher struct {
	pool  *jobChannelPool
	limit int
	wake  chan struct{}

	mu        sync.Mutex
	pending   int                  // accepted but not yet handed to a worker
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // LRU queue storing user IDs
	positions map[int64]*list.Element

	quit     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout),
		limit:     cfg.QueueSize,
		wake:      make(chan struct{}, 1),
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues a job without blocking. A full queue yields ErrDispatcherBusy.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	select {
	case <-d.quit:
		d.mu.Unlock()
		return ErrStopped
	default:
	}
	if d.pending >= d.limit {
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
	d.enqueueLocked(job)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.quit:
			d.drain()
			return
		default:
		}
		if d.dispatchOne() {
			continue
		}
		select {
		case <-d.wake:
		case <-d.quit:
			d.drain()
			return
		}
	}
}

// CancelUser removes every queued job of the user and returns them.
func (d *Dispatcher) CancelUser(userID int64) []Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	var dropped []Job
	if q, ok := d.queues[userID]; ok {
		dropped = q.jobs
		delete(d.queues, userID)
	}
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	d.pending -= len(dropped)
	return dropped
}

// Pending reports jobs accepted but not yet running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Dispatcher) enqueueLocked(job Job) {
	userID := job.UserID
	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	d.pending++
	if q.enqueued {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(userID)
	d.positions[userID] = elem
}

// dispatchOne waits for a free worker and gives it the next job of the
// user at the front of the LRU. It reports false when nothing is queued.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	empty := d.ready.Len() == 0
	d.mu.Unlock()
	if empty {
		return false
	}

	workerChan := d.pool.acquire()
	if workerChan == nil {
		return false
	}
	job, ok := d.next()
	if !ok {
		// the queue was canceled while we waited for a worker
		if !d.pool.Release(workerChan) {
			workerChan <- Job{Type: Stop}
		}
		return true
	}
	debugLog("assign job", "user_id", job.UserID, "kind", job.Kind, "worker", d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.pending--
	return job, true
}

// drain fails everything still queued once the dispatcher stops.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	var left []Job
	for elem := d.ready.Front(); elem != nil; elem = elem.Next() {
		if q := d.queues[elem.Value.(int64)]; q != nil {
			left = append(left, q.jobs...)
		}
	}
	d.queues = make(map[int64]*userQueue)
	d.positions = make(map[int64]*list.Element)
	d.ready.Init()
	d.pending = 0
	d.mu.Unlock()
	for _, job := range left {
		job.complete(ErrStopped)
	}
}

// Stop halts dispatching and the worker pool. Queued jobs fail with
// ErrStopped; running jobs finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		close(d.quit)
		d.mu.Unlock()
		d.pool.close()
		<-d.stopped
	})
}
