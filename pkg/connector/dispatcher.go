// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
)

// ErrDispatcherStopped is returned by Enqueue after StopWait.
var ErrDispatcherStopped = errors.New("dispatcher is stopped")

// Dispatcher runs outbound sends. Tasks for the same destination channel run
// one at a time in submission order; different channels run concurrently.
// Every task waits until MessageDelay has passed since it was enqueued.
type Dispatcher struct {
	log   zerolog.Logger
	delay time.Duration
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pools   map[string]*workerpool.WorkerPool
	stopped bool
}

func NewDispatcher(delay time.Duration, log zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:    log.With().Str("component", "dispatcher").Logger(),
		delay:  delay,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		pools:  make(map[string]*workerpool.WorkerPool),
	}
}

func (d *Dispatcher) pool(key string) (*workerpool.WorkerPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil, ErrDispatcherStopped
	}
	wp, ok := d.pools[key]
	if !ok {
		wp = workerpool.New(1)
		d.pools[key] = wp
	}
	return wp, nil
}

// Enqueue schedules task on the queue of key.
func (d *Dispatcher) Enqueue(key string, task func(ctx context.Context)) error {
	wp, err := d.pool(key)
	if err != nil {
		return err
	}
	deadline := d.now().Add(d.delay)
	wp.Submit(func() {
		if wait := deadline.Sub(d.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-d.ctx.Done():
				timer.Stop()
			}
		}
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Str("queue", key).Any("panic", r).Msg("Send task panicked")
			}
		}()
		task(d.ctx)
	})
	return nil
}

// StopWait refuses new tasks and waits for every queued task to finish.
func (d *Dispatcher) StopWait() {
	d.mu.Lock()
	d.stopped = true
	pools := make([]*workerpool.WorkerPool, 0, len(d.pools))
	for _, wp := range d.pools {
		pools = append(pools, wp)
	}
	d.mu.Unlock()

	for _, wp := range pools {
		wp.StopWait()
	}
	d.cancel()
	d.log.Debug().Int("queues", len(pools)).Msg("Dispatcher drained")
}

// SendWithJoinRetry runs send. When it fails with ErrPermission, join is
// called and send is retried exactly once.
func SendWithJoinRetry(ctx context.Context, send, join func(ctx context.Context) error) error {
	err := send(ctx)
	if err == nil || !errors.Is(err, ErrPermission) {
		return err
	}
	if joinErr := join(ctx); joinErr != nil {
		return fmt.Errorf("failed to join before retrying send: %w", joinErr)
	}
	return send(ctx)
}

// FanOut delivers to every target. A failure for one target does not stop
// the others. It returns how many targets failed and their joined errors.
func FanOut[T any](ctx context.Context, targets []T, deliver func(ctx context.Context, target T) error) (int, error) {
	var errs []error
	for _, target := range targets {
		if err := deliver(ctx, target); err != nil {
			errs = append(errs, err)
		}
	}
	return len(errs), errors.Join(errs...)
}
