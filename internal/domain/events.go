package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Inbound Events ─────────────────────────────────────────────────────────

// CategoryTuitionPayment is the only transaction category this pipeline
// handles. The transaction queue is shared across transaction types; events
// with any other category are acknowledged and skipped.
const CategoryTuitionPayment = "TUITION_PAYMENT"

// TransactionPayload carries the financial details of an inbound transaction.
// Description is an upstream free-text field with embedded key=value pairs
// (enrollmentId=..., institutionId=...); PhoneNumber carries the student
// matricule.
type TransactionPayload struct {
	Category       string          `json:"category"`
	Reference      string          `json:"reference"`
	AmountReceived decimal.Decimal `json:"amountReceived"`
	CurrencyCode   string          `json:"currencyCode"`
	PhoneNumber    string          `json:"phoneNumber"`
	Description    string          `json:"description"`
	TransactionID  string          `json:"transactionId"`
}

// TransactionCreatedEvent is the message consumed from the transaction queue.
type TransactionCreatedEvent struct {
	EventID string             `json:"eventId"`
	Payload TransactionPayload `json:"payload"`
}

// PaymentNotification is the secondary inbound channel: the caller already
// knows the enrollment linkage, so description parsing is skipped. It funnels
// into the same dedup guard and ledger machine as the event path.
type PaymentNotification struct {
	EnrollmentID         string          `json:"enrollmentId"`
	InstitutionAccountID string          `json:"institutionAccountId"`
	Matricule            string          `json:"matricule"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Reference            string          `json:"reference"`
}

// ─── Outbound Events ────────────────────────────────────────────────────────

// Outbound event type tags.
const (
	EventTuitionPaymentConfirmed = "TuitionPaymentConfirmed"
	EventTuitionPaymentFailed    = "TuitionPaymentFailed"
)

// TuitionPaymentConfirmed announces a successfully applied payment.
// EventID is freshly generated, never reused from the inbound event, so
// downstream dedup never collides with upstream IDs.
type TuitionPaymentConfirmed struct {
	EventType        string          `json:"eventType"`
	EventID          string          `json:"eventId"`
	TransactionID    string          `json:"transactionId"`
	StudentMatricule string          `json:"studentMatricule"`
	InstitutionID    string          `json:"institutionId"`
	AmountPaid       decimal.Decimal `json:"amountPaid"`
	NewStatus        PaymentStatus   `json:"newStatus"`
	RemainingAmount  decimal.Decimal `json:"remainingAmount"`
	AccountID        string          `json:"accountId"`
	Timestamp        time.Time       `json:"timestamp"`
}

// TuitionPaymentFailed announces a definitive business rejection. Absence of
// any event means transient trouble still being retried (or dead-lettered);
// this event means retrying would be futile.
type TuitionPaymentFailed struct {
	EventType        string    `json:"eventType"`
	EventID          string    `json:"eventId"`
	TransactionID    string    `json:"transactionId"`
	StudentMatricule string    `json:"studentMatricule"`
	InstitutionID    string    `json:"institutionId"`
	Reason           string    `json:"reason"`
	Timestamp        time.Time `json:"timestamp"`
}
