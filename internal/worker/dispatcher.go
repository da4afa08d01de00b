// Package worker runs extraction jobs on a bounded pool of goroutines. Jobs
// are queued per client key and handed out round robin, so a client sending
// a burst of uploads waits behind itself rather than in front of others.
package worker

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // intake for outer jobs
	logger   *zap.Logger

	mu        sync.Mutex
	queues    map[string]*keyQueue
	ready     *list.List // keys with pending jobs, in service order
	positions map[string]*list.Element

	closeMu sync.RWMutex
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Workers int `json:"workers"`
	Idle    int `json:"idle"`
	Queued  int `json:"queued"`
}

func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, logger),
		JobQueue:  make(chan Job, cfg.QueueSize),
		logger:    logger,
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Do runs fn on a pooled worker and waits for it. It fails fast with
// ErrDispatcherBusy when the intake queue is full. If ctx ends first Do
// returns ctx.Err() while fn, if already started, observes the same ctx.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(context.Context)) error {
	job := Job{Type: Run, Key: key, ctx: ctx, fn: fn, done: make(chan error, 1)}

	d.closeMu.RLock()
	if d.closed {
		d.closeMu.RUnlock()
		return ErrDispatcherClosed
	}
	select {
	case d.JobQueue <- job:
		d.closeMu.RUnlock()
	default:
		d.closeMu.RUnlock()
		return ErrDispatcherBusy
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, fails queued ones with ErrDispatcherClosed and
// stops the workers once their current job returns.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	d.closeMu.Unlock()

	close(d.stopCh)
	d.pool.close()
	<-d.doneCh
}

func (d *Dispatcher) Stats() Stats {
	workers, idle := d.pool.size()
	d.mu.Lock()
	queued := len(d.JobQueue)
	for _, q := range d.queues {
		queued += len(q.jobs)
	}
	d.mu.Unlock()
	return Stats{Workers: workers, Idle: idle, Queued: queued}
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			d.drain()
			return
		default:
		}

		if d.dispatchOne() {
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.stopCh:
			d.drain()
			return
		}
	}
}

// absorbIntake moves everything waiting on JobQueue into the per-key queues.
func (d *Dispatcher) absorbIntake() {
	for {
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

func (d *Dispatcher) hasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Len() > 0
}

// nextJob pops the next job of the key at the front of the ready list and
// moves that key to the back.
func (d *Dispatcher) nextJob() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

// dispatchOne waits for a worker and hands it the next job. The job is picked
// after the worker is free so keys that arrived meanwhile get their turn.
// It reports false when nothing is pending.
func (d *Dispatcher) dispatchOne() bool {
	if !d.hasPending() {
		return false
	}
	workerChan := d.pool.acquire()
	if workerChan == nil {
		return true
	}
	d.absorbIntake()
	for {
		job, ok := d.nextJob()
		if !ok {
			if !d.pool.Release(workerChan) {
				workerChan <- Job{Type: Stop}
			}
			return true
		}
		if err := job.ctx.Err(); err != nil {
			job.finish(err)
			continue
		}
		d.logger.Debug("assign job",
			zap.String("key", job.Key),
			zap.Int("worker", d.pool.workerID(workerChan)),
		)
		workerChan <- job
		return true
	}
}

func (d *Dispatcher) drain() {
	for drained := false; !drained; {
		select {
		case job := <-d.JobQueue:
			job.finish(ErrDispatcherClosed)
		default:
			drained = true
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		for _, job := range q.jobs {
			job.finish(ErrDispatcherClosed)
		}
	}
	d.queues = make(map[string]*keyQueue)
	d.positions = make(map[string]*list.Element)
	d.ready.Init()
}
