// Package memqueue is an in-process stand-in for the AMQP fabric, used by
// tests and by local mode. It preserves the transport's contract: deliveries
// are at-least-once, a Nack redelivers, and outbound events are routed by
// the same fixed routing keys as the broker.
package memqueue

import (
	"context"
	"sync"

	"github.com/edupay/edupay/internal/domain"
)

// Queue is a thread-safe FIFO of transaction events with redelivery.
type Queue struct {
	mu     sync.Mutex
	events []pending
	closed bool
	signal chan struct{} // signals availability (buffered, size 1)
}

type pending struct {
	event   domain.TransactionCreatedEvent
	attempt int
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		events: make([]pending, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Publish enqueues an inbound event for delivery.
func (q *Queue) Publish(ev domain.TransactionCreatedEvent) bool {
	return q.enqueue(pending{event: ev, attempt: 1})
}

func (q *Queue) enqueue(p pending) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, p)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Close stops delivery. In-flight deliveries may still be acked.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Depth returns the number of queued (undelivered) events.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *Queue) tryDequeue() (pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return pending{}, false
	}
	p := q.events[0]
	q.events[0] = pending{} // release for GC
	q.events = q.events[1:]
	if len(q.events) == 0 {
		q.events = q.events[:0]
	}
	return p, true
}

// Consume implements domain.Source. The returned channel closes when ctx is
// cancelled or the queue is closed. A Nack on a delivery re-enqueues the
// event with its attempt count bumped.
func (q *Queue) Consume(ctx context.Context) (<-chan domain.Delivery, error) {
	out := make(chan domain.Delivery)
	go func() {
		defer close(out)
		for {
			p, ok := q.tryDequeue()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case _, open := <-q.signal:
					if !open {
						// Closed: drain whatever is left, then stop.
						if p, ok = q.tryDequeue(); !ok {
							return
						}
						break
					}
					continue
				}
			}

			d := domain.Delivery{
				Event:   p.event,
				Attempt: p.attempt,
				Ack:     func() {},
				Nack: func() {
					q.enqueue(pending{event: p.event, attempt: p.attempt + 1})
				},
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
