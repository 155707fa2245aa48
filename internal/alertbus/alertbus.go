// Package alertbus connects the predictor, the sessions and the reaper.
//
// Collision alerts and timeout warnings go through lossy broadcasts: each
// subscriber has a bounded buffer and a publish never blocks, so a slow
// subscriber misses messages instead of stalling the publisher. Exit notices
// go through a bounded queue that blocks the sender when full, since a lost
// notice would leave a trajectory behind forever.
package alertbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/curbz/skyguard/internal/model"
)

// ErrClosed is returned once the coordinator has shut the bus down.
var ErrClosed = errors.New("alert bus closed")

const DefaultBufferSize = 16

// Broadcast delivers every published message to every current subscriber.
type Broadcast[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscription[T]]struct{}
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

func NewBroadcast[T any](buffer int) *Broadcast[T] {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Broadcast[T]{subs: make(map[*Subscription[T]]struct{}), buffer: buffer}
}

// Subscription receives messages published after it was created.
type Subscription[T any] struct {
	b    *Broadcast[T]
	ch   chan T
	once sync.Once
}

// C is closed when the subscription ends or the broadcast is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe detaches s from its broadcast. It is safe to call more than
// once and after the broadcast has closed.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if _, ok := s.b.subs[s]; ok {
			delete(s.b.subs, s)
			close(s.ch)
		}
	})
}

func (b *Broadcast[T]) Subscribe() (*Subscription[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &Subscription[T]{b: b, ch: make(chan T, b.buffer)}
	b.subs[s] = struct{}{}
	return s, nil
}

// Publish offers msg to every subscriber without blocking and returns the
// number of subscribers whose buffer was full.
func (b *Broadcast[T]) Publish(msg T) (dropped int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	for s := range b.subs {
		select {
		case s.ch <- msg:
		default:
			dropped++
		}
	}
	b.dropped.Add(uint64(dropped))
	return dropped, nil
}

// Dropped is the total number of deliveries lost to full buffers.
func (b *Broadcast[T]) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broadcast[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later Subscribe and Publish calls fail with
// ErrClosed.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

// ExitQueue carries exit notices from many sessions to the single reaper.
type ExitQueue struct {
	ch        chan model.ExitNotice
	done      chan struct{}
	closeOnce sync.Once
}

func NewExitQueue(size int) *ExitQueue {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &ExitQueue{ch: make(chan model.ExitNotice, size), done: make(chan struct{})}
}

// Notify enqueues n, blocking while the queue is full.
func (q *ExitQueue) Notify(ctx context.Context, n model.ExitNotice) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- n:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C is never closed; consumers should also watch Done.
func (q *ExitQueue) C() <-chan model.ExitNotice {
	return q.ch
}

func (q *ExitQueue) Done() <-chan struct{} {
	return q.done
}

// Close rejects further notices. Notices already queued stay readable.
func (q *ExitQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Bus bundles the channels shared by the coordinator's tasks.
type Bus struct {
	Collisions *Broadcast[model.CollisionAlert]
	Warnings   *Broadcast[model.TimeoutWarning]
	Exits      *ExitQueue
}

func New(alertBuffer, exitQueueSize int) *Bus {
	return &Bus{
		Collisions: NewBroadcast[model.CollisionAlert](alertBuffer),
		Warnings:   NewBroadcast[model.TimeoutWarning](alertBuffer),
		Exits:      NewExitQueue(exitQueueSize),
	}
}

// CloseAlerts shuts both broadcasts and leaves the exit queue open, so that
// sessions ending because of it can still report their exit.
func (b *Bus) CloseAlerts() {
	b.Collisions.Close()
	b.Warnings.Close()
}

// Close shuts the broadcasts and the exit queue.
func (b *Bus) Close() {
	b.CloseAlerts()
	b.Exits.Close()
}
