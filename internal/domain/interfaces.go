package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the pipeline depends on them.

// StudentDirectory validates matricules against the student registry.
// Reads are per-payment snapshots; no locking and no caching.
type StudentDirectory interface {
	ExistsByMatricule(ctx context.Context, matricule string) (bool, error)
}

// InstitutionDirectory resolves an institution and its settlement account.
type InstitutionDirectory interface {
	FindByID(ctx context.Context, id string) (*Institution, error)
	FindByAccountID(ctx context.Context, accountID string) (*Institution, error)
}

// ApplyRequest is one idempotent ledger credit.
type ApplyRequest struct {
	Reference    string
	EnrollmentID string
	Matricule    string
	AccountID    string
	Amount       decimal.Decimal
	Currency     string
	PaymentDate  time.Time
}

// LedgerStore persists tuition ledgers and payment references.
//
// ApplyPayment must write the ledger update and the PaymentReference record
// as a single durable unit: after it returns, either both are visible or
// neither is. A reference that already exists yields ErrDuplicateReference
// with no ledger mutation. Concurrent calls for different enrollments may
// proceed in parallel; calls for the same enrollment are serialized through
// an optimistic version check with retry-on-conflict.
type LedgerStore interface {
	ApplyPayment(ctx context.Context, req ApplyRequest) (*LedgerResult, error)
	ReferenceExists(ctx context.Context, reference string) (bool, error)
	GetReference(ctx context.Context, reference string) (*PaymentReference, error)
	GetLedger(ctx context.Context, enrollmentID string) (*TuitionLedger, error)
	SeedLedger(ctx context.Context, ledger TuitionLedger) error
	SetAdministrativeStatus(ctx context.Context, enrollmentID string, status PaymentStatus) error
}

// Publisher emits exactly one outbound event per terminal disposition.
// Publish failures are transient infrastructure errors: the caller retries
// the whole message, and the dedup guard makes re-publication safe.
type Publisher interface {
	PublishConfirmed(ctx context.Context, ev TuitionPaymentConfirmed) error
	PublishFailed(ctx context.Context, ev TuitionPaymentFailed) error
}

// Delivery is one at-least-once message handed to a worker. Ack removes it
// from the queue; Nack schedules a redelivery.
type Delivery struct {
	Event   TransactionCreatedEvent
	Attempt int
	Ack     func()
	Nack    func()
}

// Source is the inbound side of the transport: a durable queue of
// transaction events drained by the worker pool.
type Source interface {
	// Consume returns a channel of deliveries. The channel closes when ctx
	// is cancelled or the transport shuts down.
	Consume(ctx context.Context) (<-chan Delivery, error)
}

// DeadLetterSink receives messages whose transient-retry budget is exhausted.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, ev TransactionCreatedEvent, attempts int, lastErr string) error
}
