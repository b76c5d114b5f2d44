package memqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edupay/edupay/internal/domain"
)

func ev(ref string) domain.TransactionCreatedEvent {
	return domain.TransactionCreatedEvent{
		EventID: "ev-" + ref,
		Payload: domain.TransactionPayload{Reference: ref},
	}
}

func TestQueue_FIFODelivery(t *testing.T) {
	q := New()
	defer q.Close()

	require.True(t, q.Publish(ev("A")))
	require.True(t, q.Publish(ev("B")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := q.Consume(ctx)
	require.NoError(t, err)

	d1 := <-deliveries
	assert.Equal(t, "A", d1.Event.Payload.Reference)
	assert.Equal(t, 1, d1.Attempt)
	d1.Ack()

	d2 := <-deliveries
	assert.Equal(t, "B", d2.Event.Payload.Reference)
	d2.Ack()
}

func TestQueue_NackRedelivers(t *testing.T) {
	q := New()
	defer q.Close()
	q.Publish(ev("A"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := q.Consume(ctx)
	require.NoError(t, err)

	d := <-deliveries
	require.Equal(t, 1, d.Attempt)
	d.Nack()

	redelivered := <-deliveries
	assert.Equal(t, "A", redelivered.Event.Payload.Reference)
	assert.Equal(t, 2, redelivered.Attempt, "attempt count should grow on redelivery")
}

func TestQueue_NackTargetsOwnDelivery(t *testing.T) {
	q := New()
	defer q.Close()
	q.Publish(ev("A"))
	q.Publish(ev("B"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := q.Consume(ctx)
	require.NoError(t, err)

	dA := <-deliveries
	dB := <-deliveries
	require.Equal(t, "A", dA.Event.Payload.Reference)
	require.Equal(t, "B", dB.Event.Payload.Reference)

	// Nacking A after B was handed out must re-enqueue A, not B: each
	// delivery's Nack closure has to hold its own message.
	dA.Nack()
	dB.Ack()

	redelivered := <-deliveries
	assert.Equal(t, "A", redelivered.Event.Payload.Reference)
	assert.Equal(t, 2, redelivered.Attempt)
}

func TestQueue_ConsumeStopsOnCancel(t *testing.T) {
	q := New()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	deliveries, err := q.Consume(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-deliveries:
		assert.False(t, open, "channel should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("consume channel did not close")
	}
}

func TestQueue_PublishAfterClose(t *testing.T) {
	q := New()
	q.Close()
	assert.False(t, q.Publish(ev("A")))
}

func TestQueue_Depth(t *testing.T) {
	q := New()
	defer q.Close()
	q.Publish(ev("A"))
	q.Publish(ev("B"))
	assert.Equal(t, 2, q.Depth())
}

func TestOutbox_RecordsAndFails(t *testing.T) {
	o := NewOutbox()
	ctx := context.Background()

	require.NoError(t, o.PublishConfirmed(ctx, domain.TuitionPaymentConfirmed{EventID: "1"}))
	require.NoError(t, o.PublishFailed(ctx, domain.TuitionPaymentFailed{EventID: "2"}))
	assert.Len(t, o.Confirmed(), 1)
	assert.Len(t, o.Failed(), 1)

	o.FailWith(assert.AnError)
	assert.Error(t, o.PublishConfirmed(ctx, domain.TuitionPaymentConfirmed{}))
	assert.Len(t, o.Confirmed(), 1, "failed publish must not be recorded")

	o.FailWith(nil)
	assert.NoError(t, o.PublishConfirmed(ctx, domain.TuitionPaymentConfirmed{}))
}
