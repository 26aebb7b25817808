package invoicing

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/okatech-org/sante-sub008/internal/domain/reimbursement"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

var (
	ErrCannotCancel             = errors.New("invoice cannot be cancelled")
	ErrInvoiceNotPending        = errors.New("invoice is not pending")
	ErrPaymentSettled           = errors.New("payment already settled with another outcome")
	ErrConventionNotAccepted    = errors.New("insurer convention not accepted by establishment")
	ErrNumberAllocationConflict = errors.New("invoice number already issued")
	ErrInvalidInput             = errors.New("invalid invoice input")
	ErrForbidden                = errors.New("not allowed to manage invoices")
	ErrNotFound                 = fmt.Errorf("invoice %w", db.ErrNotFound)
	ErrPaymentNotFound          = fmt.Errorf("payment %w", db.ErrNotFound)
)

// Status of a persisted invoice. Drafts never reach the store.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

type Method string

const (
	MethodCash            Method = "cash"
	MethodMobileMoney     Method = "mobile_money"
	MethodCard            Method = "card"
	MethodThirdPartyPayer Method = "third_party_payer"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCash, MethodMobileMoney, MethodCard, MethodThirdPartyPayer:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Invoice freezes a reimbursement split at creation. Its amounts are never
// edited; a billing mistake is corrected by cancelling and issuing anew.
type Invoice struct {
	ID                 uuid.UUID            `json:"id"`
	Number             string               `json:"number"`
	EstablishmentID    uuid.UUID            `json:"establishment_id"`
	PatientID          uuid.UUID            `json:"patient_id"`
	ConsultationID     *uuid.UUID           `json:"consultation_id,omitempty"`
	PrescriptionID     *uuid.UUID           `json:"prescription_id,omitempty"`
	BilledAmount       reimbursement.Amount `json:"billed_amount"`
	ConventionedTariff reimbursement.Amount `json:"conventioned_tariff"`
	CoverageRate       float64              `json:"coverage_rate"`
	CoveredAmount      reimbursement.Amount `json:"covered_amount"`
	CoPayment          reimbursement.Amount `json:"co_payment"`
	Gap                reimbursement.Amount `json:"gap"`
	PatientBalance     reimbursement.Amount `json:"patient_balance"`
	Currency           string               `json:"currency"`
	InsurerCode        string               `json:"insurer_code,omitempty"`
	Status             Status               `json:"status"`
	CreatedBy          uuid.UUID            `json:"created_by"`
	CancelReason       string               `json:"cancel_reason,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	PaidAt             *time.Time           `json:"paid_at,omitempty"`
	CancelledAt        *time.Time           `json:"cancelled_at,omitempty"`
}

// amountDue is what completed payments must reach for the invoice to be
// paid. An overpaid invoice owes nothing.
func (inv *Invoice) amountDue() reimbursement.Amount {
	return max(inv.PatientBalance, 0)
}

// Draft assembles an invoice in memory. It is never persisted; CreateInvoice
// computes the split from Quote and stores the result as pending.
type Draft struct {
	PatientID      uuid.UUID           `json:"patient_id"`
	ConsultationID *uuid.UUID          `json:"consultation_id,omitempty"`
	PrescriptionID *uuid.UUID          `json:"prescription_id,omitempty"`
	InsurerCode    string              `json:"insurer_code,omitempty"`
	Quote          reimbursement.Input `json:"quote"`
}

type Payment struct {
	ID          uuid.UUID            `json:"id"`
	InvoiceID   uuid.UUID            `json:"invoice_id"`
	Method      Method               `json:"method"`
	Amount      reimbursement.Amount `json:"amount"`
	InsurerCode string               `json:"insurer_code,omitempty"`
	Status      PaymentStatus        `json:"status"`
	ExternalRef string               `json:"external_ref,omitempty"`
	CreatedBy   uuid.UUID            `json:"created_by"`
	CreatedAt   time.Time            `json:"created_at"`
	SettledAt   *time.Time           `json:"settled_at,omitempty"`
}

type NewPayment struct {
	Method      Method               `json:"method"`
	Amount      reimbursement.Amount `json:"amount"`
	InsurerCode string               `json:"insurer_code,omitempty"`
}

// Confirmation is the gateway's verdict on a payment, received over the
// signed webhook or the confirmation channel.
type Confirmation struct {
	PaymentID   uuid.UUID     `json:"payment_id"`
	Outcome     PaymentStatus `json:"outcome"`
	ExternalRef string        `json:"external_ref"`
}
