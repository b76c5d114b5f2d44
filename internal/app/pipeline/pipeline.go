// Package pipeline is the tuition-payment reconciliation core: it consumes
// transaction events, matches them to an enrollment and institution, applies
// an idempotent ledger credit, and emits exactly one confirmation or failure
// event per terminal disposition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/edupay/edupay/internal/domain"
	"github.com/edupay/edupay/internal/infra/dedup"
	"github.com/edupay/edupay/internal/infra/observability"
	"github.com/edupay/edupay/internal/infra/resolve"
)

// Disposition is the terminal state of one delivery.
type Disposition string

const (
	DispositionConfirmed Disposition = "CONFIRMED"
	DispositionSkipped   Disposition = "SKIPPED"
	DispositionDuplicate Disposition = "DUPLICATE"
	DispositionFailed    Disposition = "FAILED_PERMANENT"
)

// Processor wires the dedup guard, reference resolution, ledger state
// machine, and outbound publisher together. Apart from the dedup prefilter
// all shared mutable state lives in the store.
type Processor struct {
	store        domain.LedgerStore
	students     domain.StudentDirectory
	institutions domain.InstitutionDirectory
	extractor    resolve.Extractor
	publisher    domain.Publisher
	seen         *dedup.Filter
}

// NewProcessor builds the pipeline core.
func NewProcessor(
	store domain.LedgerStore,
	students domain.StudentDirectory,
	institutions domain.InstitutionDirectory,
	extractor resolve.Extractor,
	publisher domain.Publisher,
) *Processor {
	return &Processor{
		store:        store,
		students:     students,
		institutions: institutions,
		extractor:    extractor,
		publisher:    publisher,
		seen:         dedup.New(dedup.DefaultConfig()),
	}
}

// seenBefore runs the dedup guard. The in-memory prefilter answers the
// common fresh-reference case without a datastore read; a filter hit still
// consults the store, and the reference table's primary key inside the
// ledger transaction stays the only authoritative check.
func (p *Processor) seenBefore(ctx context.Context, reference string) (bool, error) {
	if !p.seen.MightContain(reference) {
		return false, nil
	}
	return p.store.ReferenceExists(ctx, reference)
}

// ─── Transaction Event Entry Point ──────────────────────────────────────────

// HandleTransaction processes one inbound transaction event end-to-end.
//
// A nil error means the delivery is settled: confirmed, skipped, duplicate,
// or definitively rejected (failure event already published). A non-nil
// error is transient and the caller should redeliver with backoff.
func (p *Processor) HandleTransaction(ctx context.Context, ev domain.TransactionCreatedEvent) (Disposition, error) {
	// The transaction queue is shared across transaction types; anything
	// that is not a tuition payment is acknowledged untouched.
	if ev.Payload.Category != domain.CategoryTuitionPayment {
		observability.EventsConsumed.WithLabelValues("skipped_category").Inc()
		return DispositionSkipped, nil
	}
	observability.EventsConsumed.WithLabelValues("processed").Inc()

	// Dedup guard, before any side effect.
	if dup, err := p.seenBefore(ctx, ev.Payload.Reference); err != nil {
		return "", fmt.Errorf("dedup check %s: %w", ev.Payload.Reference, err)
	} else if dup {
		observability.DuplicateDeliveries.Inc()
		log.Printf("[pipeline] duplicate delivery for reference %s, acknowledging", ev.Payload.Reference)
		return DispositionDuplicate, nil
	}

	corr, err := p.extractor.Extract(ev.Payload.Description)
	if err != nil {
		return p.reject(ctx, failureContext{
			transactionID: ev.Payload.TransactionID,
			matricule:     ev.Payload.PhoneNumber,
		}, err)
	}

	fc := failureContext{
		transactionID: ev.Payload.TransactionID,
		matricule:     ev.Payload.PhoneNumber,
		institutionID: corr.InstitutionID,
	}

	inst, err := p.validate(ctx, ev.Payload.PhoneNumber, corr.InstitutionID)
	if err != nil {
		return p.routeError(ctx, fc, err)
	}

	result, err := p.store.ApplyPayment(ctx, domain.ApplyRequest{
		Reference:    ev.Payload.Reference,
		EnrollmentID: corr.EnrollmentID,
		Matricule:    ev.Payload.PhoneNumber,
		AccountID:    inst.AccountID,
		Amount:       ev.Payload.AmountReceived,
		Currency:     ev.Payload.CurrencyCode,
		PaymentDate:  time.Now(),
	})
	if err != nil {
		if domain.IsDuplicate(err) {
			// An earlier attempt got the reference in before failing later
			// (or a concurrent worker won). Safe to acknowledge.
			observability.DuplicateDeliveries.Inc()
			p.seen.Add(ev.Payload.Reference)
			return DispositionDuplicate, nil
		}
		return p.routeError(ctx, fc, err)
	}
	p.seen.Add(ev.Payload.Reference)

	return p.confirm(ctx, fc, inst.AccountID, result)
}

// ─── Notification Entry Point ───────────────────────────────────────────────

// HandleNotification processes the secondary inbound channel: the caller
// already knows the enrollment linkage, so description parsing is skipped.
// It funnels into the same dedup guard and ledger machine.
func (p *Processor) HandleNotification(ctx context.Context, n domain.PaymentNotification) (Disposition, error) {
	if dup, err := p.seenBefore(ctx, n.Reference); err != nil {
		return "", fmt.Errorf("dedup check %s: %w", n.Reference, err)
	} else if dup {
		observability.DuplicateDeliveries.Inc()
		return DispositionDuplicate, nil
	}

	fc := failureContext{
		transactionID: n.Reference,
		matricule:     n.Matricule,
	}

	if ok, err := p.students.ExistsByMatricule(ctx, n.Matricule); err != nil {
		return "", fmt.Errorf("lookup student %s: %w", n.Matricule, err)
	} else if !ok {
		return p.routeError(ctx, fc, domain.Permanent(
			fmt.Errorf("%w: matricule %s", domain.ErrStudentNotFound, n.Matricule),
			fmt.Sprintf("no student with matricule %s", n.Matricule)))
	}

	inst, err := p.institutions.FindByAccountID(ctx, n.InstitutionAccountID)
	if err != nil {
		if domain.IsPermanent(err) {
			err = domain.Permanent(err, fmt.Sprintf("no institution holds account %s", n.InstitutionAccountID))
		}
		return p.routeError(ctx, fc, err)
	}
	fc.institutionID = inst.ID
	if !inst.Payable() {
		return p.routeError(ctx, fc, domain.Permanent(
			fmt.Errorf("%w: institution %s", domain.ErrInstitutionUnavailable, inst.ID),
			fmt.Sprintf("institution %s is inactive or has no settlement account", inst.ID)))
	}

	result, err := p.store.ApplyPayment(ctx, domain.ApplyRequest{
		Reference:    n.Reference,
		EnrollmentID: n.EnrollmentID,
		Matricule:    n.Matricule,
		AccountID:    inst.AccountID,
		Amount:       n.Amount,
		Currency:     n.Currency,
		PaymentDate:  time.Now(),
	})
	if err != nil {
		if domain.IsDuplicate(err) {
			observability.DuplicateDeliveries.Inc()
			p.seen.Add(n.Reference)
			return DispositionDuplicate, nil
		}
		return p.routeError(ctx, fc, err)
	}
	p.seen.Add(n.Reference)

	return p.confirm(ctx, fc, inst.AccountID, result)
}

// ─── Validation Chain ───────────────────────────────────────────────────────

// validate runs the resolution checks in order: student, institution,
// settlement account. Each unmet check is a permanent failure.
func (p *Processor) validate(ctx context.Context, matricule, institutionID string) (*domain.Institution, error) {
	ok, err := p.students.ExistsByMatricule(ctx, matricule)
	if err != nil {
		return nil, fmt.Errorf("lookup student %s: %w", matricule, err)
	}
	if !ok {
		return nil, domain.Permanent(
			fmt.Errorf("%w: matricule %s", domain.ErrStudentNotFound, matricule),
			fmt.Sprintf("no student with matricule %s", matricule))
	}

	inst, err := p.institutions.FindByID(ctx, institutionID)
	if err != nil {
		if domain.IsPermanent(err) {
			return nil, domain.Permanent(err, fmt.Sprintf("no institution with id %s", institutionID))
		}
		return nil, fmt.Errorf("lookup institution %s: %w", institutionID, err)
	}

	// Checked per payment, never cached: the status can change between
	// payments.
	if !inst.Payable() {
		return nil, domain.Permanent(
			fmt.Errorf("%w: institution %s", domain.ErrInstitutionUnavailable, inst.ID),
			fmt.Sprintf("institution %s is inactive or has no settlement account", inst.ID))
	}
	return inst, nil
}

// ─── Outbound Events ────────────────────────────────────────────────────────

// failureContext carries whatever identifiers were resolved before an error,
// so failure events name as much as is known.
type failureContext struct {
	transactionID string
	matricule     string
	institutionID string
}

func (p *Processor) confirm(ctx context.Context, fc failureContext, accountID string, result *domain.LedgerResult) (Disposition, error) {
	ev := domain.TuitionPaymentConfirmed{
		EventType:        domain.EventTuitionPaymentConfirmed,
		EventID:          uuid.NewString(),
		TransactionID:    fc.transactionID,
		StudentMatricule: result.Matricule,
		InstitutionID:    fc.institutionID,
		AmountPaid:       result.AmountApplied,
		NewStatus:        result.NewStatus,
		RemainingAmount:  result.RemainingAmount,
		AccountID:        accountID,
		Timestamp:        time.Now(),
	}
	// Publication failure is transient. The ledger credit is already
	// durable; the redelivery will hit the dedup guard and acknowledge, so
	// the payment is never applied twice.
	if err := p.publisher.PublishConfirmed(ctx, ev); err != nil {
		return "", fmt.Errorf("publish confirmation for %s: %w", fc.transactionID, err)
	}
	observability.PaymentsConfirmed.Inc()
	log.Printf("[pipeline] confirmed payment tx=%s enrollment=%s status=%s remaining=%s",
		fc.transactionID, result.EnrollmentID, result.NewStatus, result.RemainingAmount)
	return DispositionConfirmed, nil
}

// routeError publishes a failure event for permanent errors and passes
// transient ones through to the retry router.
func (p *Processor) routeError(ctx context.Context, fc failureContext, err error) (Disposition, error) {
	if !domain.IsPermanent(err) {
		return "", err
	}
	return p.reject(ctx, fc, err)
}

// reject emits a TuitionPaymentFailed event and settles the delivery.
// Failure to publish the rejection is itself transient: the redelivery will
// re-derive the same permanent error and try the publish again, with no
// ledger side effects in between.
func (p *Processor) reject(ctx context.Context, fc failureContext, cause error) (Disposition, error) {
	ev := domain.TuitionPaymentFailed{
		EventType:        domain.EventTuitionPaymentFailed,
		EventID:          uuid.NewString(),
		TransactionID:    fc.transactionID,
		StudentMatricule: fc.matricule,
		InstitutionID:    fc.institutionID,
		Reason:           domain.FailureReason(cause),
		Timestamp:        time.Now(),
	}
	if err := p.publisher.PublishFailed(ctx, ev); err != nil {
		return "", fmt.Errorf("publish rejection for %s: %w", fc.transactionID, err)
	}
	observability.PaymentsFailed.WithLabelValues(reasonClass(cause)).Inc()
	log.Printf("[pipeline] rejected payment tx=%s: %s", fc.transactionID, ev.Reason)
	return DispositionFailed, nil
}

// reasonClass buckets permanent errors for metrics.
func reasonClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidPaymentData):
		return "invalid_data"
	case errors.Is(err, domain.ErrStudentNotFound):
		return "student_not_found"
	case errors.Is(err, domain.ErrInstitutionNotFound):
		return "institution_not_found"
	case errors.Is(err, domain.ErrInstitutionUnavailable):
		return "institution_unavailable"
	case errors.Is(err, domain.ErrCurrencyMismatch):
		return "currency_mismatch"
	case errors.Is(err, domain.ErrLedgerFrozen):
		return "ledger_frozen"
	default:
		return "other"
	}
}
