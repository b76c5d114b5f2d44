package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/edupay/edupay/internal/domain"
	"github.com/edupay/edupay/internal/infra/observability"
)

// MessageState tracks a delivery through the router.
type MessageState string

const (
	StateReceived        MessageState = "RECEIVED"
	StateProcessing      MessageState = "PROCESSING"
	StateConfirmed       MessageState = "CONFIRMED"
	StateDuplicate       MessageState = "DUPLICATE"
	StateSkipped         MessageState = "SKIPPED"
	StateFailedPermanent MessageState = "FAILED_PERMANENT"
	StateFailedTransient MessageState = "FAILED_TRANSIENT"
)

// finalState maps a settled disposition to the state logged for it.
func finalState(d Disposition) MessageState {
	switch d {
	case DispositionDuplicate:
		return StateDuplicate
	case DispositionSkipped:
		return StateSkipped
	case DispositionFailed:
		return StateFailedPermanent
	default:
		return StateConfirmed
	}
}

// Config controls the worker pool.
type Config struct {
	Workers int           // concurrent workers draining the inbound queue
	Timeout time.Duration // per-message budget for datastore/broker calls
}

// DefaultConfig returns safe pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers: 4,
		Timeout: 30 * time.Second,
	}
}

// Pool drains one inbound source with a fixed set of workers. Each message
// is processed end-to-end by a single worker; ordering across enrollments is
// not guaranteed and not needed — the ledger's additive update under the
// optimistic version check makes redelivery and reordering safe.
type Pool struct {
	config    Config
	processor *Processor
	policy    RetryPolicy
	sink      domain.DeadLetterSink

	mu        sync.Mutex
	processed int64
	retried   int64
	dead      int64
}

// NewPool creates a worker pool.
func NewPool(cfg Config, processor *Processor, policy RetryPolicy, sink domain.DeadLetterSink) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Pool{config: cfg, processor: processor, policy: policy, sink: sink}
}

// Run consumes the source until ctx is cancelled or the source closes.
// It blocks; run it in its own goroutine if the caller has other work.
func (p *Pool) Run(ctx context.Context, source domain.Source) error {
	deliveries, err := source.Consume(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for d := range deliveries {
				p.handle(ctx, id, d)
			}
		}(i)
	}
	wg.Wait()
	return nil
}

// handle runs one delivery through the state machine:
// RECEIVED → PROCESSING → {CONFIRMED | FAILED_PERMANENT | FAILED_TRANSIENT}.
func (p *Pool) handle(ctx context.Context, worker int, d domain.Delivery) {
	start := time.Now()
	log.Printf("[worker %d] event %s %s (attempt %d)", worker, d.Event.EventID, StateProcessing, d.Attempt)

	msgCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	disposition, err := p.processor.HandleTransaction(msgCtx, d.Event)
	cancel()

	observability.ApplyDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		log.Printf("[worker %d] event %s %s", worker, d.Event.EventID, finalState(disposition))
		p.mu.Lock()
		p.processed++
		p.mu.Unlock()
		d.Ack()
		return
	}

	// Transient failure. Redeliver with backoff until the budget runs out,
	// then park the message for manual remediation.
	log.Printf("[worker %d] event %s %s", worker, d.Event.EventID, StateFailedTransient)
	if p.policy.Exhausted(d.Attempt) {
		log.Printf("[worker %d] attempts exhausted for event %s (attempt %d): %v",
			worker, d.Event.EventID, d.Attempt, err)
		if dlErr := p.sink.DeadLetter(ctx, d.Event, d.Attempt, err.Error()); dlErr != nil {
			// The store is down too. Leave the message on the queue rather
			// than lose it.
			log.Printf("[worker %d] dead-letter write failed, redelivering: %v", worker, dlErr)
			d.Nack()
			return
		}
		observability.DeadLettered.Inc()
		p.mu.Lock()
		p.dead++
		p.mu.Unlock()
		d.Ack()
		return
	}

	delay := p.policy.Delay(d.Attempt)
	log.Printf("[worker %d] transient failure for event %s (attempt %d, retry in %s): %v",
		worker, d.Event.EventID, d.Attempt, delay, err)
	observability.TransientRetries.Inc()
	p.mu.Lock()
	p.retried++
	p.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
	d.Nack()
}

// Stats are the pool's lifetime counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Retried   int64 `json:"retried"`
	Dead      int64 `json:"dead_lettered"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Processed: p.processed, Retried: p.retried, Dead: p.dead}
}
