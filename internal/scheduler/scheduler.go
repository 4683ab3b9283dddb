// Package scheduler is the Sync Scheduler: two FIFO lanes (Up for
// outgoing pending mutations, Down for incantation pull/cleanup work)
// drained with a strict Up-before-Down priority and re-entrancy guards
// so a drain triggered while one is already running is a no-op rather
// than a second concurrent drain. Every pushed item is also written to
// Redis when a client is configured, grounded on the teacher's
// internal/daemon/redis_wisp_store.go persistence pattern
// (functional-option namespace/TTL, a pipelined Set+SAdd index write).
// Nothing in this package reads the mirror back or removes drained
// items from it; the in-memory lanes are the only source the drains use.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wisp-sync/wisp/internal/types"
	"github.com/wisp-sync/wisp/internal/wisperr"
)

const (
	defaultNamespace = "wisp"
	defaultTTL       = 24 * time.Hour
)

// Option configures a Scheduler's Redis mirror, mirroring the
// teacher's WithNamespace/WithTTL functional options.
type Option func(*Scheduler)

func WithNamespace(ns string) Option {
	return func(s *Scheduler) { s.namespace = ns }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Scheduler) { s.ttl = ttl }
}

// UpHandler pushes one item to the remote; DownHandler pulls or
// cleans up one item's remote-side state.
type UpHandler func(ctx context.Context, item types.QueueItem) error
type DownHandler func(ctx context.Context, item types.QueueItem) error

// Scheduler is the Sync Scheduler.
type Scheduler struct {
	mu   sync.Mutex
	up   []types.QueueItem
	down []types.QueueItem

	redis     *redis.Client
	namespace string
	ttl       time.Duration

	isSyncingUp   atomic.Bool
	isSyncingDown atomic.Bool

	upHandler   UpHandler
	downHandler DownHandler
}

func New(upHandler UpHandler, downHandler DownHandler, rdb *redis.Client, opts ...Option) *Scheduler {
	s := &Scheduler{
		namespace:   defaultNamespace,
		ttl:         defaultTTL,
		redis:       rdb,
		upHandler:   upHandler,
		downHandler: downHandler,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) upKey(idx int) string   { return fmt.Sprintf("%s:sched:up:%d", s.namespace, idx) }
func (s *Scheduler) downKey(idx int) string { return fmt.Sprintf("%s:sched:down:%d", s.namespace, idx) }
func (s *Scheduler) upIndexKey() string     { return s.namespace + ":sched:up:index" }
func (s *Scheduler) downIndexKey() string   { return s.namespace + ":sched:down:index" }

// PushUp enqueues item onto the Up lane and mirrors it to Redis.
func (s *Scheduler) PushUp(ctx context.Context, item types.QueueItem) error {
	item.Direction = types.QueueUp
	item.EnqueuedAt = time.Now().UTC()
	s.mu.Lock()
	idx := len(s.up)
	s.up = append(s.up, item)
	s.mu.Unlock()
	return s.mirror(ctx, s.upKey(idx), s.upIndexKey(), item)
}

// PushDown enqueues item onto the Down lane and mirrors it to Redis.
func (s *Scheduler) PushDown(ctx context.Context, item types.QueueItem) error {
	item.Direction = types.QueueDown
	item.EnqueuedAt = time.Now().UTC()
	s.mu.Lock()
	idx := len(s.down)
	s.down = append(s.down, item)
	s.mu.Unlock()
	return s.mirror(ctx, s.downKey(idx), s.downIndexKey(), item)
}

func (s *Scheduler) mirror(ctx context.Context, key, indexKey string, item types.QueueItem) error {
	if s.redis == nil {
		return nil
	}
	data, err := json.Marshal(item)
	if err != nil {
		return wisperr.New("scheduler.mirror", wisperr.KindLocalDB, err)
	}
	pipe := s.redis.Pipeline()
	pipe.Set(ctx, key, data, s.ttl)
	pipe.SAdd(ctx, indexKey, key)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return wisperr.New("scheduler.mirror", wisperr.KindLocalDB, err)
	}
	return nil
}

// Drain runs one full drain pass: every Up item first, then every
// Down item, honoring the re-entrancy guards so overlapping Drain
// calls collapse into whichever one is already running.
func (s *Scheduler) Drain(ctx context.Context) error {
	if err := s.drainUp(ctx); err != nil {
		return err
	}
	return s.drainDown(ctx)
}

func (s *Scheduler) drainUp(ctx context.Context) error {
	if !s.isSyncingUp.CompareAndSwap(false, true) {
		return nil // a drain is already in flight
	}
	defer s.isSyncingUp.Store(false)

	for {
		s.mu.Lock()
		if len(s.up) == 0 {
			s.mu.Unlock()
			break
		}
		item := s.up[0]
		s.up = s.up[1:]
		s.mu.Unlock()

		if err := s.upHandler(ctx, item); err != nil {
			item.Attempts++
			s.mu.Lock()
			s.up = append([]types.QueueItem{item}, s.up...)
			s.mu.Unlock()
			return wisperr.New("scheduler.drainUp", wisperr.KindQueueDrainAbort, err)
		}
	}
	return nil
}

func (s *Scheduler) drainDown(ctx context.Context) error {
	if !s.isSyncingDown.CompareAndSwap(false, true) {
		return nil
	}
	defer s.isSyncingDown.Store(false)

	for {
		s.mu.Lock()
		if len(s.down) == 0 {
			s.mu.Unlock()
			break
		}
		item := s.down[0]
		s.down = s.down[1:]
		s.mu.Unlock()

		if err := s.downHandler(ctx, item); err != nil {
			item.Attempts++
			s.mu.Lock()
			s.down = append([]types.QueueItem{item}, s.down...)
			s.mu.Unlock()
			return wisperr.New("scheduler.drainDown", wisperr.KindQueueDrainAbort, err)
		}
	}
	return nil
}

// Depths reports the current Up/Down queue lengths for the Inspector.
func (s *Scheduler) Depths() (up, down int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.up), len(s.down)
}

// Empty reports whether both lanes are drained, the condition spec's
// Testable Properties tie to an incantation reaching StateLive.
func (s *Scheduler) Empty() bool {
	up, down := s.Depths()
	return up == 0 && down == 0
}

// Run starts a supervised drain loop: every tick, and whenever wake is
// signaled, it runs one Drain pass. It returns when ctx is canceled or
// any drain pass returns an error other than context cancellation.
// Supervision via errgroup means a panic or error in the drain
// goroutine surfaces through Run's return rather than being silently
// lost, the same guarantee the teacher's concurrency-heavy packages
// lean on errgroup for elsewhere in the wider tree.
func (s *Scheduler) Run(ctx context.Context, wake <-chan struct{}, tick time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.Drain(gctx); err != nil {
					return err
				}
			case <-wake:
				if err := s.Drain(gctx); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}
