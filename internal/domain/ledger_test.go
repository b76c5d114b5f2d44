package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ─── Status Derivation ──────────────────────────────────────────────────────

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name  string
		paid  string
		total string
		want  PaymentStatus
	}{
		{"nothing paid", "0", "250000", StatusUnpaid},
		{"partial", "100000", "250000", StatusPartiallyPaid},
		{"exact", "250000", "250000", StatusPaid},
		{"over", "300000", "250000", StatusOverpaid},
		{"one unit short", "249999", "250000", StatusPartiallyPaid},
		{"one unit over", "250001", "250000", StatusOverpaid},
		{"negative treated as unpaid", "-1", "250000", StatusUnpaid},
		{"fractional partial", "0.01", "100", StatusPartiallyPaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StatusFor(dec(tt.paid), dec(tt.total))
			if got != tt.want {
				t.Errorf("StatusFor(%s, %s) = %s, want %s", tt.paid, tt.total, got, tt.want)
			}
		})
	}
}

func TestPaymentStatus_Frozen(t *testing.T) {
	frozen := []PaymentStatus{StatusRefunded, StatusCancelled, StatusPendingValidation}
	for _, s := range frozen {
		if !s.Frozen() {
			t.Errorf("%s.Frozen() = false, want true", s)
		}
	}
	derived := []PaymentStatus{StatusUnpaid, StatusPartiallyPaid, StatusPaid, StatusOverpaid}
	for _, s := range derived {
		if s.Frozen() {
			t.Errorf("%s.Frozen() = true, want false", s)
		}
	}
}

// ─── Ledger Apply ───────────────────────────────────────────────────────────

func TestTuitionLedger_Apply(t *testing.T) {
	l := TuitionLedger{
		EnrollmentID: "E1",
		TotalAmount:  dec("250000"),
		PaidAmount:   decimal.Zero,
		Currency:     "XAF",
		Status:       StatusUnpaid,
	}
	now := time.Now()

	l.Apply(dec("100000"), now)

	if !l.PaidAmount.Equal(dec("100000")) {
		t.Errorf("PaidAmount = %s, want 100000", l.PaidAmount)
	}
	if !l.RemainingAmount.Equal(dec("150000")) {
		t.Errorf("RemainingAmount = %s, want 150000", l.RemainingAmount)
	}
	if l.Status != StatusPartiallyPaid {
		t.Errorf("Status = %s, want PARTIALLY_PAID", l.Status)
	}
	if !l.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", l.UpdatedAt, now)
	}
}

func TestTuitionLedger_Apply_Monotonic(t *testing.T) {
	l := TuitionLedger{TotalAmount: dec("250000"), Currency: "XAF"}
	prev := decimal.Zero
	for _, a := range []string{"50000", "25000", "175000", "10000"} {
		l.Apply(dec(a), time.Now())
		if l.PaidAmount.LessThan(prev) {
			t.Fatalf("PaidAmount decreased: %s < %s", l.PaidAmount, prev)
		}
		prev = l.PaidAmount
	}
	if l.Status != StatusOverpaid {
		t.Errorf("final Status = %s, want OVERPAID", l.Status)
	}
	if !l.RemainingAmount.IsZero() {
		t.Errorf("RemainingAmount = %s, want 0 (floored)", l.RemainingAmount)
	}
}

func TestRemaining_FlooredAtZero(t *testing.T) {
	if got := Remaining(dec("300000"), dec("250000")); !got.IsZero() {
		t.Errorf("Remaining(300000, 250000) = %s, want 0", got)
	}
	if got := Remaining(dec("100000"), dec("250000")); !got.Equal(dec("150000")) {
		t.Errorf("Remaining(100000, 250000) = %s, want 150000", got)
	}
}

// ─── Institution Gating ─────────────────────────────────────────────────────

func TestInstitution_Payable(t *testing.T) {
	tests := []struct {
		name string
		inst Institution
		want bool
	}{
		{"active with account", Institution{ID: "I1", AccountID: "ACC1", Active: true}, true},
		{"inactive", Institution{ID: "I1", AccountID: "ACC1", Active: false}, false},
		{"blank account", Institution{ID: "I1", AccountID: "", Active: true}, false},
		{"inactive and blank", Institution{ID: "I1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.inst.Payable(); got != tt.want {
				t.Errorf("Payable() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ─── Error Classification ───────────────────────────────────────────────────

func TestIsPermanent(t *testing.T) {
	permanent := []error{
		ErrInvalidPaymentData,
		ErrStudentNotFound,
		ErrInstitutionNotFound,
		ErrInstitutionUnavailable,
		ErrCurrencyMismatch,
		ErrLedgerFrozen,
		Permanent(errors.New("anything"), "bad data"),
	}
	for _, err := range permanent {
		if !IsPermanent(err) {
			t.Errorf("IsPermanent(%v) = false, want true", err)
		}
	}

	transient := []error{
		errors.New("connection refused"),
		ErrVersionConflict,
		ErrLedgerNotFound,
	}
	for _, err := range transient {
		if IsPermanent(err) {
			t.Errorf("IsPermanent(%v) = true, want false", err)
		}
	}
}

func TestIsPermanent_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("resolve event: %w", ErrStudentNotFound)
	if !IsPermanent(wrapped) {
		t.Error("wrapped sentinel should still classify as permanent")
	}
}

func TestFailureReason(t *testing.T) {
	err := Permanent(ErrInstitutionUnavailable, "institution I1 cannot receive payments")
	if got := FailureReason(err); got != "institution I1 cannot receive payments" {
		t.Errorf("FailureReason() = %q", got)
	}
	if got := FailureReason(ErrCurrencyMismatch); got == "" {
		t.Error("FailureReason() should fall back to the error text")
	}
}

func TestIsDuplicate(t *testing.T) {
	if !IsDuplicate(ErrDuplicateReference) {
		t.Error("IsDuplicate(ErrDuplicateReference) = false")
	}
	if IsDuplicate(errors.New("other")) {
		t.Error("IsDuplicate(other) = true")
	}
}
