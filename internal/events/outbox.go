// Package events carries typed notifications between pipeline stages.
package events

import (
	"context"
	"sync"
)

// Outbox buffers values without bound so a producer holding a lock never
// blocks on a slow consumer, and nothing is dropped. Values are delivered
// in push order.
type Outbox[T any] struct {
	mu      sync.Mutex
	pending []T
	wake    chan struct{}
}

func NewOutbox[T any]() *Outbox[T] {
	return &Outbox[T]{wake: make(chan struct{}, 1)}
}

// Push queues v for delivery. It never blocks.
func (o *Outbox[T]) Push(v T) {
	o.mu.Lock()
	o.pending = append(o.pending, v)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Outbox[T]) drain() []T {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.pending
	o.pending = nil
	return out
}

// Pump forwards queued values to dst until ctx is done.
func (o *Outbox[T]) Pump(ctx context.Context, dst chan<- T) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
		for _, v := range o.drain() {
			select {
			case dst <- v:
			case <-ctx.Done():
				return
			}
		}
	}
}
