package builds

import (
	"context"
	"sync"
	"time"

	"github.com/appforge-dev/appforge/internal/app/storage"
	"github.com/appforge-dev/appforge/internal/app/system"
	"github.com/appforge-dev/appforge/pkg/logger"
)

var _ system.Service = (*Redispatcher)(nil)

// Redispatcher periodically re-enqueues builds that are still QUEUED past a
// staleness threshold, so a failed hand-off after commit never strands a
// build. The queue is at-least-once and Report is idempotent, so duplicate
// deliveries are harmless.
type Redispatcher struct {
	store     storage.BuildStore
	queue     Queue
	log       *logger.Logger
	interval  time.Duration
	staleness time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRedispatcher constructs a lifecycle-managed redispatch sweep.
func NewRedispatcher(store storage.BuildStore, queue Queue, log *logger.Logger) *Redispatcher {
	if log == nil {
		log = logger.NewDefault("build-redispatcher")
	}
	return &Redispatcher{
		store:     store,
		queue:     queue,
		log:       log,
		interval:  30 * time.Second,
		staleness: 2 * time.Minute,
	}
}

// WithIntervals overrides the sweep cadence and staleness threshold.
func (r *Redispatcher) WithIntervals(interval, staleness time.Duration) *Redispatcher {
	if interval > 0 {
		r.interval = interval
	}
	if staleness > 0 {
		r.staleness = staleness
	}
	return r
}

func (r *Redispatcher) Name() string { return "build-redispatcher" }

func (r *Redispatcher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()

	r.log.Info("build redispatcher started")
	return nil
}

func (r *Redispatcher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("build redispatcher stopped")
	return nil
}

func (r *Redispatcher) tick(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.staleness)
	stale, err := r.store.ListQueuedBefore(ctx, cutoff)
	if err != nil {
		r.log.WithError(err).Warn("list stale queued builds")
		return
	}

	for _, b := range stale {
		job := Job{BuildID: b.ID, AppID: b.AppID, Platform: b.Platform, Type: b.Type}
		if err := r.queue.Enqueue(ctx, job); err != nil {
			r.log.WithError(err).Warnf("re-enqueue build %s", b.ID)
			continue
		}
		r.log.Infof("re-enqueued stale build %s (#%d)", b.ID, b.BuildNumber)
	}
}
