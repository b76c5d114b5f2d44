// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of the service — it depends on nothing below it.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Payment Status ─────────────────────────────────────────────────────────

// PaymentStatus describes where an enrollment's tuition stands.
// The first four values are derived from amounts and are never set directly;
// the remaining three are administrative and freeze the ledger.
type PaymentStatus string

const (
	StatusUnpaid        PaymentStatus = "UNPAID"
	StatusPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	StatusPaid          PaymentStatus = "PAID"
	StatusOverpaid      PaymentStatus = "OVERPAID"

	// Administrative statuses, set out of band. The pipeline refuses to
	// overwrite them automatically.
	StatusRefunded          PaymentStatus = "REFUNDED"
	StatusCancelled         PaymentStatus = "CANCELLED"
	StatusPendingValidation PaymentStatus = "PENDING_VALIDATION"
)

// StatusFor derives the payment status from paid and total amounts.
// It is a pure function: same inputs, same status, always.
func StatusFor(paid, total decimal.Decimal) PaymentStatus {
	switch {
	case paid.IsZero() || paid.IsNegative():
		return StatusUnpaid
	case paid.LessThan(total):
		return StatusPartiallyPaid
	case paid.Equal(total):
		return StatusPaid
	default:
		return StatusOverpaid
	}
}

// Frozen reports whether the status was set administratively.
// A frozen ledger rejects automatic updates from the payment pipeline.
func (s PaymentStatus) Frozen() bool {
	switch s {
	case StatusRefunded, StatusCancelled, StatusPendingValidation:
		return true
	}
	return false
}

// Administrative reports whether s is one of the statuses an operator may
// set directly. Derived statuses are never settable by hand.
func (s PaymentStatus) Administrative() bool {
	return s.Frozen()
}

// ─── Tuition Ledger ─────────────────────────────────────────────────────────

// TuitionLedger is the per-enrollment running tuition balance.
// PaidAmount is monotonically non-decreasing; Status is always
// StatusFor(PaidAmount, TotalAmount) unless an administrative status
// has frozen the record.
type TuitionLedger struct {
	EnrollmentID    string          `json:"enrollment_id"`
	StudentID       string          `json:"student_id"`
	Matricule       string          `json:"matricule"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Currency        string          `json:"currency"`
	Status          PaymentStatus   `json:"status"`
	Version         int64           `json:"version"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Apply credits amount to the ledger and recomputes the derived fields.
// It does not persist anything; the store is responsible for durability
// and for the optimistic version check.
func (l *TuitionLedger) Apply(amount decimal.Decimal, now time.Time) {
	l.PaidAmount = l.PaidAmount.Add(amount)
	l.RemainingAmount = Remaining(l.PaidAmount, l.TotalAmount)
	l.Status = StatusFor(l.PaidAmount, l.TotalAmount)
	l.UpdatedAt = now
}

// Remaining computes total − paid, floored at zero.
func Remaining(paid, total decimal.Decimal) decimal.Decimal {
	r := total.Sub(paid)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// ─── Payment Reference ──────────────────────────────────────────────────────

// PaymentReference is the dedup and audit record for one externally-issued
// transaction reference. At most one record per reference ever exists; its
// presence is the authoritative "already processed" signal. Insert-only.
type PaymentReference struct {
	Reference    string          `json:"reference"`
	Matricule    string          `json:"matricule"`
	EnrollmentID string          `json:"enrollment_id"`
	AccountID    string          `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	PaymentDate  time.Time       `json:"payment_date"`
	ProcessedAt  time.Time       `json:"processed_at"`
}

// ─── Directory Records ──────────────────────────────────────────────────────

// Institution is the snapshot of an institution the pipeline reads per
// payment. Payments may only be credited when Active is true and AccountID
// is non-blank; this is re-checked on every payment, never cached.
type Institution struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccountID string `json:"account_id"`
	Active    bool   `json:"active"`
}

// Payable reports whether the institution can receive a settlement.
func (i Institution) Payable() bool {
	return i.Active && i.AccountID != ""
}

// Student is the directory snapshot used to validate a matricule.
type Student struct {
	Matricule string `json:"matricule"`
	FullName  string `json:"full_name"`
	Enrolled  bool   `json:"enrolled"`
}

// ─── Ledger Result ──────────────────────────────────────────────────────────

// LedgerResult is what ApplyPayment hands downstream for event construction.
type LedgerResult struct {
	EnrollmentID    string          `json:"enrollment_id"`
	Matricule       string          `json:"matricule"`
	AmountApplied   decimal.Decimal `json:"amount_applied"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Currency        string          `json:"currency"`
	NewStatus       PaymentStatus   `json:"new_status"`
}
