// Package worker runs fire-and-forget follow-up jobs (title generation)
// on an elastic pool so they never sit on the reply path.
package worker

import (
	"context"
	"log"
	"time"
)

// Job is one deferred unit of work keyed by the conversation it serves.
type Job struct {
	ConversationID string
	Run            func(ctx context.Context)

	stop bool
}

// DispatcherConfig sizes the pool and its submit queue.
type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Dispatcher feeds submitted jobs to pooled workers. Submission never
// blocks the caller: a full queue drops the job with a log line, which
// is acceptable for best-effort side effects.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	d := &Dispatcher{
		pool:     newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout),
		jobQueue: make(chan Job, cfg.QueueSize),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

// TrySubmit enqueues the job, reporting false when the queue is full.
func (d *Dispatcher) TrySubmit(job Job) bool {
	if job.Run == nil {
		return false
	}
	select {
	case d.jobQueue <- job:
		return true
	default:
		log.Printf("worker queue full, dropping job for conversation %s", job.ConversationID)
		return false
	}
}

func (d *Dispatcher) run() {
	for job := range d.jobQueue {
		ch := d.pool.acquire()
		debugLog("[dispatcher] assign job for conversation %s", job.ConversationID)
		ch <- job
	}
}

type worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool) *worker {
	return &worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *worker) start() {
	go func() {
		// park as idle before consuming, so acquire can find us
		w.pool.release(w.jobChannel)
		for job := range w.jobChannel {
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.runJob(job)
			w.pool.release(w.jobChannel)
		}
	}()
}

func (w *worker) runJob(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker job for conversation %s panicked: %v", job.ConversationID, r)
		}
	}()
	job.Run(context.Background())
}
