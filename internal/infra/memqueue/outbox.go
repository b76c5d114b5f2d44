package memqueue

import (
	"context"
	"sync"

	"github.com/edupay/edupay/internal/domain"
)

// Outbox implements domain.Publisher in memory, recording outbound events
// in publication order. Local mode logs from it; tests assert on it.
type Outbox struct {
	mu         sync.Mutex
	confirmed  []domain.TuitionPaymentConfirmed
	failed     []domain.TuitionPaymentFailed
	publishErr error // when set, publications fail (simulated broker outage)
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// FailWith makes subsequent publications return err. Pass nil to heal.
func (o *Outbox) FailWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.publishErr = err
}

// PublishConfirmed implements domain.Publisher.
func (o *Outbox) PublishConfirmed(_ context.Context, ev domain.TuitionPaymentConfirmed) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.publishErr != nil {
		return o.publishErr
	}
	o.confirmed = append(o.confirmed, ev)
	return nil
}

// PublishFailed implements domain.Publisher.
func (o *Outbox) PublishFailed(_ context.Context, ev domain.TuitionPaymentFailed) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.publishErr != nil {
		return o.publishErr
	}
	o.failed = append(o.failed, ev)
	return nil
}

// Confirmed returns a copy of the confirmed events published so far.
func (o *Outbox) Confirmed() []domain.TuitionPaymentConfirmed {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.TuitionPaymentConfirmed, len(o.confirmed))
	copy(out, o.confirmed)
	return out
}

// Failed returns a copy of the failed events published so far.
func (o *Outbox) Failed() []domain.TuitionPaymentFailed {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.TuitionPaymentFailed, len(o.failed))
	copy(out, o.failed)
	return out
}
