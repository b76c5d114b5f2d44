package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edupay/edupay/internal/domain"
	"github.com/edupay/edupay/internal/infra/memqueue"
	"github.com/edupay/edupay/internal/infra/resolve"
)

// flakyStore fails the first n ledger writes to simulate a datastore
// outage, then delegates to the real store.
type flakyStore struct {
	domain.LedgerStore
	mu   sync.Mutex
	fail int
}

func (s *flakyStore) ApplyPayment(ctx context.Context, req domain.ApplyRequest) (*domain.LedgerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return nil, errors.New("datastore unavailable")
	}
	return s.LedgerStore.ApplyPayment(ctx, req)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
}

func runPool(t *testing.T, pool *Pool, q *memqueue.Queue, wait func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx, q)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for !wait() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("condition not reached before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestFinalState(t *testing.T) {
	tests := []struct {
		disposition Disposition
		want        MessageState
	}{
		{DispositionConfirmed, StateConfirmed},
		{DispositionDuplicate, StateDuplicate},
		{DispositionSkipped, StateSkipped},
		{DispositionFailed, StateFailedPermanent},
	}

	for _, tt := range tests {
		t.Run(string(tt.disposition), func(t *testing.T) {
			if got := finalState(tt.disposition); got != tt.want {
				t.Errorf("finalState(%s) = %s, want %s", tt.disposition, got, tt.want)
			}
		})
	}
}

func TestPool_ConfirmsHappyPath(t *testing.T) {
	f := newFixture(t)
	pool := NewPool(Config{Workers: 2}, f.proc, fastPolicy(), f.db)

	q := memqueue.New()
	defer q.Close()
	q.Publish(tuitionEvent("R1", "100000", "enrollmentId=E1, institutionId=I1"))

	runPool(t, pool, q, func() bool { return len(f.outbox.Confirmed()) == 1 })

	assert.Equal(t, int64(1), pool.Stats().Processed)
	ledger, _ := f.db.GetLedger(context.Background(), "E1")
	assert.Equal(t, domain.StatusPartiallyPaid, ledger.Status)
}

func TestPool_TransientOutageRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStore{LedgerStore: f.db, fail: 1}
	proc := NewProcessor(flaky, f.db, f.db, resolve.NewDescriptionExtractor(), f.outbox)
	pool := NewPool(Config{Workers: 1}, proc, fastPolicy(), f.db)

	q := memqueue.New()
	defer q.Close()
	q.Publish(tuitionEvent("R1", "100000", "enrollmentId=E1, institutionId=I1"))

	runPool(t, pool, q, func() bool { return len(f.outbox.Confirmed()) == 1 })

	stats := pool.Stats()
	assert.GreaterOrEqual(t, stats.Retried, int64(1), "outage must record at least one retry")
	ledger, _ := f.db.GetLedger(context.Background(), "E1")
	assert.True(t, ledger.PaidAmount.Equal(dec(t, "100000")))
}

func TestPool_ExhaustedBudgetDeadLetters(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStore{LedgerStore: f.db, fail: 1000} // never heals
	proc := NewProcessor(flaky, f.db, f.db, resolve.NewDescriptionExtractor(), f.outbox)
	pool := NewPool(Config{Workers: 1}, proc, fastPolicy(), f.db)

	q := memqueue.New()
	defer q.Close()
	q.Publish(tuitionEvent("R1", "100000", "enrollmentId=E1, institutionId=I1"))

	runPool(t, pool, q, func() bool { return pool.Stats().Dead == 1 })

	letters, err := f.db.ListDeadLetters(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "R1", letters[0].Reference)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Contains(t, letters[0].LastError, "datastore unavailable")

	// No outbound event either way: transient trouble is visible only as
	// absence, never as a business rejection.
	assert.Empty(t, f.outbox.Confirmed())
	assert.Empty(t, f.outbox.Failed())
}

func TestPool_PermanentFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	pool := NewPool(Config{Workers: 1}, f.proc, fastPolicy(), f.db)

	q := memqueue.New()
	defer q.Close()
	q.Publish(tuitionEvent("R1", "100000", "no correlation keys here"))

	runPool(t, pool, q, func() bool { return len(f.outbox.Failed()) == 1 })

	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Retried, "permanent failures must not consume the retry budget")
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, 0, q.Depth(), "message must be acknowledged, not redelivered")
}

func TestPool_DuplicateMidRetryIsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First delivery settles normally.
	_, err := f.proc.HandleTransaction(ctx, tuitionEvent("R1", "100000", "enrollmentId=E1, institutionId=I1"))
	require.NoError(t, err)

	pool := NewPool(Config{Workers: 1}, f.proc, fastPolicy(), f.db)
	q := memqueue.New()
	defer q.Close()
	q.Publish(tuitionEvent("R1", "100000", "enrollmentId=E1, institutionId=I1"))

	runPool(t, pool, q, func() bool { return pool.Stats().Processed == 1 })

	assert.Len(t, f.outbox.Confirmed(), 1, "duplicate must not publish again")
	ledger, _ := f.db.GetLedger(ctx, "E1")
	assert.True(t, ledger.PaidAmount.Equal(dec(t, "100000")))
}
