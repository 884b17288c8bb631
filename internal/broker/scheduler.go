package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanglab/llamabroker/internal/observability"
	"github.com/tanglab/llamabroker/internal/session"
)

// idlePoll is the fallback re-check interval for idle workers; wakeups
// normally arrive through the wake channel on enqueue and lease release.
const idlePoll = 100 * time.Millisecond

// SchedulerConfig bounds the queue and the pool.
type SchedulerConfig struct {
	Workers  int
	MaxDepth int
	// ScanDepth bounds how far past an ineligible head the dispatcher
	// scans for eligible work. 0 scans the whole queue. The bound caps
	// the priority-inversion window a hot session can cause.
	ScanDepth           int
	DefaultSystemPrompt string
}

// Scheduler owns the bounded priority queue and the fixed worker pool. It
// enforces the single-flight rule: an item dispatches only once its
// session lease is acquired, and the claim happens atomically with dequeue.
type Scheduler struct {
	cfg     SchedulerConfig
	q       *queue
	store   *session.Store
	metrics *observability.Metrics
	log     zerolog.Logger

	// process runs the worker pipeline for one claimed item. fail publishes
	// the terminal error for an item whose processing panicked; both are
	// wired by the Broker after construction.
	process func(ctx context.Context, it *Item)
	fail    func(it *Item, reason string)

	wake chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig, store *session.Store, metrics *observability.Metrics, logger zerolog.Logger) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxDepth < cfg.Workers {
		cfg.MaxDepth = cfg.Workers
	}
	return &Scheduler{
		cfg:     cfg,
		q:       newQueue(cfg.MaxDepth, cfg.ScanDepth),
		store:   store,
		metrics: metrics,
		log:     logger,
		wake:    make(chan struct{}, 1),
	}
}

func (s *Scheduler) SetPipeline(process func(ctx context.Context, it *Item), fail func(it *Item, reason string)) {
	s.process = process
	s.fail = fail
}

// Enqueue admits an item or rejects it when the queue is at capacity. It
// never blocks; the caller converts a rejection into a Busy response.
func (s *Scheduler) Enqueue(it *Item) bool {
	if !s.q.push(it) {
		return false
	}
	s.metrics.SetQueueDepth(s.q.depth())
	s.notify()
	return true
}

func (s *Scheduler) QueueDepth() int {
	return s.q.depth()
}

// Start launches the worker pool. Workers run until ctx is cancelled;
// Wait blocks until all in-flight work has drained.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.supervise(ctx, i)
	}
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// supervise keeps exactly one worker slot alive: a panicking worker is
// logged and replaced rather than shrinking the pool.
func (s *Scheduler) supervise(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		if s.runWorker(ctx, id) {
			return
		}
		s.log.Error().Int("worker", id).Msg("worker replaced after panic")
	}
}

// runWorker is one worker's pull loop. Returns true on clean shutdown,
// false when a panic unwound it. The panic path still releases the lease
// and publishes the item's terminal failure, preserving the exactly-once
// notification guarantee.
func (s *Scheduler) runWorker(ctx context.Context, id int) (clean bool) {
	var current *Item

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Int("worker", id).Any("panic", r).Msg("worker panicked")
			if current != nil {
				s.finish(current)
				if s.fail != nil {
					s.fail(current, fmt.Sprintf("internal error: %v", r))
				}
			}
			clean = false
		}
	}()

	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	for {
		it := s.q.popEligible(s.claim)
		if it == nil {
			select {
			case <-ctx.Done():
				return true
			case <-s.wake:
			case <-ticker.C:
			}
			continue
		}

		s.metrics.SetQueueDepth(s.q.depth())
		current = it
		s.process(ctx, it)
		s.finish(it)
		current = nil
	}
}

// claim decides eligibility under the queue lock. Chat and action items
// must take the session lease; if their session was deleted while queued
// they recreate it first, so the item runs against fresh state. A delete
// for an already-gone session is eligible without a lease.
func (s *Scheduler) claim(it *Item) bool {
	switch it.Kind {
	case KindSessionDelete:
		if _, ok := s.store.Get(it.SessionKey); !ok {
			it.leased = false
			return true
		}
		it.leased = s.store.Acquire(it.SessionKey)
		return it.leased
	default:
		prompt := it.SystemPrompt
		if prompt == "" {
			prompt = s.cfg.DefaultSystemPrompt
		}
		s.store.GetOrCreate(it.SessionKey, prompt)
		it.leased = s.store.Acquire(it.SessionKey)
		return it.leased
	}
}

// finish releases the item's lease and wakes the pool so a queued item
// from the same session becomes eligible.
func (s *Scheduler) finish(it *Item) {
	if it.leased {
		s.store.Release(it.SessionKey)
		it.leased = false
	}
	s.metrics.SetActiveSessions(s.store.Len())
	s.notify()
}
