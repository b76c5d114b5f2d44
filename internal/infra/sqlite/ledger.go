package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edupay/edupay/internal/domain"
)

// maxConflictRetries bounds the optimistic-concurrency retry loop. Conflicts
// only occur when two workers credit the same enrollment at the same moment,
// so a handful of retries is plenty.
const maxConflictRetries = 5

// ─── Apply Payment ──────────────────────────────────────────────────────────

// ApplyPayment credits the enrollment's ledger and records the payment
// reference in one transaction. Either both writes land or neither does.
//
// The ledger row carries a version; the UPDATE is guarded by it and the
// whole transaction is retried on conflict, so concurrent increments to the
// same enrollment are applied one at a time while different enrollments
// proceed in parallel. A reference that already exists yields
// domain.ErrDuplicateReference with no mutation.
func (db *DB) ApplyPayment(ctx context.Context, req domain.ApplyRequest) (*domain.LedgerResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		res, err := db.applyOnce(ctx, req)
		if errors.Is(err, domain.ErrVersionConflict) {
			lastErr = err
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("apply payment %s: %w", req.Reference, lastErr)
}

func (db *DB) applyOnce(ctx context.Context, req domain.ApplyRequest) (*domain.LedgerResult, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Dedup guard. Checked inside the transaction so a reference written by
	// a concurrent worker between check and insert still trips the primary
	// key below.
	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_references WHERE reference = ?`,
		req.Reference).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check reference: %w", err)
	}
	if exists > 0 {
		return nil, domain.ErrDuplicateReference
	}

	now := time.Now()
	ledger, err := scanLedger(ctx, tx, req.EnrollmentID)
	switch {
	case errors.Is(err, domain.ErrLedgerNotFound):
		// Lazy creation on first payment. The expected total is unknown
		// until the enrollment is seeded, so it starts at zero.
		ledger = &domain.TuitionLedger{
			EnrollmentID: req.EnrollmentID,
			Matricule:    req.Matricule,
			TotalAmount:  decimal.Zero,
			PaidAmount:   decimal.Zero,
			Currency:     req.Currency,
			Status:       domain.StatusUnpaid,
			Version:      0,
			UpdatedAt:    now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tuition_ledgers
				(enrollment_id, student_id, matricule, total_amount, paid_amount,
				 remaining_amount, currency, status, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`, ledger.EnrollmentID, ledger.StudentID, ledger.Matricule,
			ledger.TotalAmount.String(), ledger.PaidAmount.String(),
			ledger.TotalAmount.String(), ledger.Currency, string(ledger.Status),
			fmtTime(now)); err != nil {
			if isUniqueViolation(err) {
				// Another worker created it first; rerun against their row.
				return nil, domain.ErrVersionConflict
			}
			return nil, fmt.Errorf("create ledger: %w", err)
		}
	case err != nil:
		return nil, err
	}

	if ledger.Status.Frozen() {
		return nil, domain.Permanent(
			fmt.Errorf("%w: enrollment %s is %s", domain.ErrLedgerFrozen, ledger.EnrollmentID, ledger.Status),
			fmt.Sprintf("ledger for enrollment %s is %s and cannot accept payments", ledger.EnrollmentID, ledger.Status),
		)
	}
	if ledger.Currency != req.Currency {
		return nil, domain.Permanent(
			fmt.Errorf("%w: ledger %s, payment %s", domain.ErrCurrencyMismatch, ledger.Currency, req.Currency),
			fmt.Sprintf("currency mismatch: ledger holds %s, payment is %s", ledger.Currency, req.Currency),
		)
	}

	ledger.Apply(req.Amount, now)

	res, err := tx.ExecContext(ctx, `
		UPDATE tuition_ledgers
		SET paid_amount = ?, remaining_amount = ?, status = ?,
		    version = version + 1, updated_at = ?
		WHERE enrollment_id = ? AND version = ?
	`, ledger.PaidAmount.String(), ledger.RemainingAmount.String(),
		string(ledger.Status), fmtTime(now), ledger.EnrollmentID, ledger.Version)
	if err != nil {
		return nil, fmt.Errorf("update ledger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrVersionConflict
	}

	// The dedup record lands in the same transaction as the ledger update,
	// never before it: a crash leaves both absent, a commit leaves both
	// present.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payment_references
			(reference, matricule, enrollment_id, account_id, amount, currency,
			 payment_date, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, req.Reference, req.Matricule, req.EnrollmentID, req.AccountID,
		req.Amount.String(), req.Currency, fmtTime(req.PaymentDate), fmtTime(now)); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicateReference
		}
		return nil, fmt.Errorf("insert reference: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &domain.LedgerResult{
		EnrollmentID:    ledger.EnrollmentID,
		Matricule:       ledger.Matricule,
		AmountApplied:   req.Amount,
		PaidAmount:      ledger.PaidAmount,
		RemainingAmount: ledger.RemainingAmount,
		Currency:        ledger.Currency,
		NewStatus:       ledger.Status,
	}, nil
}

// ─── Ledger Reads & Admin ───────────────────────────────────────────────────

// GetLedger returns the ledger for an enrollment, or ErrLedgerNotFound.
func (db *DB) GetLedger(ctx context.Context, enrollmentID string) (*domain.TuitionLedger, error) {
	return scanLedger(ctx, db.db, enrollmentID)
}

// SeedLedger pre-creates a ledger at enrollment time with the offer's
// tuition as total and nothing paid. Seeding an enrollment that already has
// a ledger is an error so a seed can never clobber applied payments.
func (db *DB) SeedLedger(ctx context.Context, l domain.TuitionLedger) error {
	status := domain.StatusFor(l.PaidAmount, l.TotalAmount)
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO tuition_ledgers
			(enrollment_id, student_id, matricule, total_amount, paid_amount,
			 remaining_amount, currency, status, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, l.EnrollmentID, l.StudentID, l.Matricule, l.TotalAmount.String(),
		l.PaidAmount.String(), domain.Remaining(l.PaidAmount, l.TotalAmount).String(),
		l.Currency, string(status), fmtTime(time.Now()))
	if isUniqueViolation(err) {
		return fmt.Errorf("seed ledger: enrollment %s already has a ledger", l.EnrollmentID)
	}
	return err
}

// SetAdministrativeStatus freezes (or re-freezes) a ledger with one of the
// administrative statuses. Derived statuses are rejected: they only ever
// come from the state machine.
func (db *DB) SetAdministrativeStatus(ctx context.Context, enrollmentID string, status domain.PaymentStatus) error {
	if !status.Administrative() {
		return fmt.Errorf("status %s is derived and cannot be set directly", status)
	}
	res, err := db.db.ExecContext(ctx, `
		UPDATE tuition_ledgers
		SET status = ?, version = version + 1, updated_at = ?
		WHERE enrollment_id = ?
	`, string(status), fmtTime(time.Now()), enrollmentID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLedgerNotFound
	}
	return nil
}

// ─── Payment Reference Reads ────────────────────────────────────────────────

// ReferenceExists reports whether a payment reference was already processed.
func (db *DB) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var count int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_references WHERE reference = ?`,
		reference).Scan(&count)
	return count > 0, err
}

// GetReference returns the audit record for a reference, or nil when absent.
func (db *DB) GetReference(ctx context.Context, reference string) (*domain.PaymentReference, error) {
	var (
		r                        domain.PaymentReference
		amountStr, payStr, prStr string
	)
	err := db.db.QueryRowContext(ctx, `
		SELECT reference, matricule, enrollment_id, account_id, amount,
		       currency, payment_date, processed_at
		FROM payment_references WHERE reference = ?
	`, reference).Scan(&r.Reference, &r.Matricule, &r.EnrollmentID, &r.AccountID,
		&amountStr, &r.Currency, &payStr, &prStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reference: %w", err)
	}
	r.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount for reference %s: %w", reference, err)
	}
	r.PaymentDate = parseTime(payStr)
	r.ProcessedAt = parseTime(prStr)
	return &r, nil
}

// ─── Scan Helpers ───────────────────────────────────────────────────────────

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanLedger(ctx context.Context, q rowQuerier, enrollmentID string) (*domain.TuitionLedger, error) {
	var (
		l                            domain.TuitionLedger
		totalStr, paidStr, remainStr string
		statusStr, updatedStr        string
	)
	err := q.QueryRowContext(ctx, `
		SELECT enrollment_id, student_id, matricule, total_amount, paid_amount,
		       remaining_amount, currency, status, version, updated_at
		FROM tuition_ledgers WHERE enrollment_id = ?
	`, enrollmentID).Scan(&l.EnrollmentID, &l.StudentID, &l.Matricule,
		&totalStr, &paidStr, &remainStr, &l.Currency, &statusStr, &l.Version, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, domain.ErrLedgerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	if l.TotalAmount, err = decimal.NewFromString(totalStr); err != nil {
		return nil, fmt.Errorf("corrupt total_amount for %s: %w", enrollmentID, err)
	}
	if l.PaidAmount, err = decimal.NewFromString(paidStr); err != nil {
		return nil, fmt.Errorf("corrupt paid_amount for %s: %w", enrollmentID, err)
	}
	if l.RemainingAmount, err = decimal.NewFromString(remainStr); err != nil {
		return nil, fmt.Errorf("corrupt remaining_amount for %s: %w", enrollmentID, err)
	}
	l.Status = domain.PaymentStatus(statusStr)
	l.UpdatedAt = parseTime(updatedStr)
	return &l, nil
}
