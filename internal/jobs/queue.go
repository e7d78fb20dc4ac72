// Package jobs is the in-process job queue. Sync jobs run with a single
// consumer per connection; analysis jobs go to a persistent outbox.
package jobs

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
)

// ErrClosed is returned when enqueueing on a closed queue.
var ErrClosed = errors.New("job queue closed")

// Runner executes a sync job.
type Runner interface {
	RunSync(ctx context.Context, job model.SyncJob) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job model.SyncJob) error

func (f RunnerFunc) RunSync(ctx context.Context, job model.SyncJob) error { return f(ctx, job) }

// Outbox stores analysis jobs for the analysis consumer.
type Outbox interface {
	InsertAnalysisJob(ctx context.Context, job model.AnalysisJob) error
}

// LocalQueue runs sync jobs in background goroutines. At most one job per
// connection runs at a time; triggers arriving while one is pending are
// coalesced into it, keeping the largest trigger history id.
type LocalQueue struct {
	runner Runner
	outbox Outbox
	sem    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu      gosync.Mutex
	pending map[string]model.SyncJob
	active  map[string]bool
	closed  bool

	log *logrus.Entry
}

// NewLocalQueue creates a queue running at most concurrency connections
// at once.
func NewLocalQueue(runner Runner, outbox Outbox, concurrency int) *LocalQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{
		runner:  runner,
		outbox:  outbox,
		sem:     make(chan struct{}, concurrency),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]model.SyncJob),
		active:  make(map[string]bool),
		log:     logrus.WithField("pkg", "jobs"),
	}
}

// EnqueueSync schedules a sync pass for job.ConnectionID.
func (q *LocalQueue) EnqueueSync(_ context.Context, job model.SyncJob) error {
	if job.ConnectionID == "" {
		return fmt.Errorf("sync job has no connection id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if prev, ok := q.pending[job.ConnectionID]; ok {
		job.TriggerHistoryID = model.MaxHistoryID(prev.TriggerHistoryID, job.TriggerHistoryID)
		if job.Reason == "" {
			job.Reason = prev.Reason
		}
		q.log.WithField("connection-id", job.ConnectionID).Debug("Coalesced sync job")
	}
	q.pending[job.ConnectionID] = job

	if !q.active[job.ConnectionID] {
		q.active[job.ConnectionID] = true
		q.wg.Add(1)
		go q.consume(job.ConnectionID)
	}
	return nil
}

// EnqueueAnalysis writes job to the outbox.
func (q *LocalQueue) EnqueueAnalysis(ctx context.Context, job model.AnalysisJob) error {
	if err := q.outbox.InsertAnalysisJob(ctx, job); err != nil {
		return fmt.Errorf("enqueueing analysis job: %w", err)
	}
	return nil
}

// consume drains the pending job of one connection until none is left.
func (q *LocalQueue) consume(connectionID string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		job, ok := q.pending[connectionID]
		if !ok {
			delete(q.active, connectionID)
			q.mu.Unlock()
			return
		}
		delete(q.pending, connectionID)
		q.mu.Unlock()

		q.run(job)
	}
}

func (q *LocalQueue) run(job model.SyncJob) {
	select {
	case q.sem <- struct{}{}:
	case <-q.ctx.Done():
		return
	}
	defer func() { <-q.sem }()

	log := q.log.WithFields(logrus.Fields{
		"connection-id": job.ConnectionID,
		"reason":        job.Reason,
	})

	if err := q.runner.RunSync(q.ctx, job); err != nil {
		log.WithError(err).Warn("Sync job failed")
		return
	}
	log.Debug("Sync job done")
}

// Wait blocks until every enqueued job has run.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}

// Close stops accepting jobs and waits for running ones. When ctx ends
// first, running passes are cancelled.
func (q *LocalQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
