package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// defaultPollInterval is used when the configured interval is not positive.
const defaultPollInterval = 300 * time.Second

// listTimeout bounds the store queries of a single tick.
const listTimeout = 30 * time.Second

// WatchRenewer keeps provider push subscriptions alive.
type WatchRenewer interface {
	RenewWatches(ctx context.Context) (int, error)
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithWatchRenewer renews push subscriptions on every tick.
func WithWatchRenewer(r WatchRenewer) PollerOption {
	return func(p *Poller) { p.watches = r }
}

// Poller periodically enqueues a scheduled sync for every active
// connection, renews expiring push subscriptions and sweeps expired OAuth
// states.
type Poller struct {
	store     store.Store
	queue     SyncEnqueuer
	watches   WatchRenewer
	interval  time.Duration
	now       func() time.Time
	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        gosync.Mutex
	running   bool
	log       *logrus.Entry
}

// NewPoller creates a Poller.
func NewPoller(st store.Store, queue SyncEnqueuer, interval time.Duration, opts ...PollerOption) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	p := &Poller{
		store:     st,
		queue:     queue,
		interval:  interval,
		now:       time.Now,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		log:       logrus.WithField("pkg", "sync/poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the polling goroutine. An initial tick runs immediately.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	go p.loop()
}

// Stop halts the polling goroutine and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	<-p.doneCh
}

// TriggerAll requests an immediate tick.
func (p *Poller) TriggerAll() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
		// A tick is already pending.
	}
}

func (p *Poller) loop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(context.Background())

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Tick(context.Background())
		case <-p.triggerCh:
			p.Tick(context.Background())
		}
	}
}

// Tick enqueues a scheduled sync for each active connection and returns
// how many were enqueued.
func (p *Poller) Tick(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	if n, err := p.store.DeleteExpiredOAuthStates(ctx, p.now()); err != nil {
		p.log.WithError(err).Warn("Failed to delete expired oauth states")
	} else if n > 0 {
		p.log.WithField("count", n).Debug("Deleted expired oauth states")
	}

	if p.watches != nil {
		if n, err := p.watches.RenewWatches(ctx); err != nil {
			p.log.WithError(err).Warn("Failed to renew push subscriptions")
		} else if n > 0 {
			p.log.WithField("count", n).Info("Renewed push subscriptions")
		}
	}

	conns, err := p.store.ListConnections(ctx, store.ConnectionFilter{})
	if err != nil {
		p.log.WithError(err).Error("Failed to list connections")
		return 0
	}

	enqueued := 0
	for _, conn := range conns {
		if !conn.Active() {
			continue
		}
		err := p.queue.EnqueueSync(ctx, model.SyncJob{
			ConnectionID: conn.ID,
			Reason:       model.SyncReasonSchedule,
		})
		if err != nil {
			p.log.WithError(err).WithField("connection-id", conn.ID).Warn("Failed to enqueue scheduled sync")
			continue
		}
		enqueued++
	}

	p.log.WithField("enqueued", enqueued).Debug("Scheduled sync tick")
	return enqueued
}
