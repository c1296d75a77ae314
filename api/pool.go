package api

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	writeJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "todo_api_write_jobs_total",
		Help: "Write jobs by operation and outcome",
	}, []string{"op", "outcome"})

	writeJobsInline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "todo_api_write_jobs_inline_total",
		Help: "Write jobs executed on the request goroutine because the pool was saturated",
	})
)

// PoolConfig sizes a WritePool.
type PoolConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

// DefaultPoolConfig returns the settings used when no WRITE_* variables are set.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:        16,
		Buffer:         1024,
		Timeout:        30 * time.Second,
		HandoffTimeout: 15 * time.Millisecond,
	}
}

type writeJob struct {
	op    string
	owner string
	run   func(ctx context.Context) error
	// rollback runs when run fails, e.g. to release an idempotency key.
	rollback func()
}

// WritePool runs accepted writes off the request goroutine.
type WritePool struct {
	jobs    chan writeJob
	timeout time.Duration
	handoff time.Duration
	logger  *log.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWritePool starts cfg.Workers workers.
func NewWritePool(cfg PoolConfig, logger *log.Logger) *WritePool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	p := &WritePool{
		jobs:    make(chan writeJob, cfg.Buffer),
		timeout: cfg.Timeout,
		handoff: cfg.HandoffTimeout,
		logger:  logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Infof("write pool started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.HandoffTimeout)
	return p
}

func (p *WritePool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.execute(j, id)
	}
}

func (p *WritePool) execute(j writeJob, worker int) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	err := j.run(ctx)
	cancel()
	if err == nil {
		writeJobsTotal.WithLabelValues(j.op, "ok").Inc()
		return
	}
	writeJobsTotal.WithLabelValues(j.op, "error").Inc()
	if j.rollback != nil {
		j.rollback()
	}
	p.logger.WithFields(log.Fields{"op": j.op, "owner": j.owner, "worker": worker}).WithError(err).Warn("write failed")
}

// Submit hands j to a worker, waiting up to the handoff timeout for buffer
// space. A saturated or closed pool runs j on the calling goroutine.
func (p *WritePool) Submit(j writeJob) {
	if p.tryEnqueue(j) {
		return
	}
	writeJobsInline.Inc()
	p.logger.WithField("op", j.op).Warn("write buffer saturated; processing inline")
	p.execute(j, -1)
}

func (p *WritePool) tryEnqueue(j writeJob) bool {
	if ok, closed := trySendNonBlocking(p.jobs, j); closed {
		return false
	} else if ok {
		return true
	}
	if p.handoff <= 0 {
		return false
	}
	timer := time.NewTimer(p.handoff)
	defer timer.Stop()
	ok, _ := sendWithTimer(p.jobs, j, timer.C)
	return ok
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *WritePool) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

func trySendNonBlocking(ch chan writeJob, j writeJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- j:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan writeJob, j writeJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- j:
		return true, false
	case <-timer:
		return false, false
	}
}
