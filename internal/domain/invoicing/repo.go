package invoicing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/okatech-org/sante-sub008/internal/domain/reimbursement"
)

type Repository interface {
	// NextNumber advances the establishment's counter for year by 1+skip and
	// returns the new value. It must run in the transaction that inserts the
	// invoice.
	NextNumber(ctx context.Context, establishmentID uuid.UUID, year, skip int) (int64, error)
	// Create returns ErrNumberAllocationConflict when the number is taken.
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// UpdateStatus persists status, paid/cancel stamps and reason of a
	// pending invoice. It returns ErrInvoiceNotPending otherwise.
	UpdateStatus(ctx context.Context, inv *Invoice) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error)
	ListByEstablishment(ctx context.Context, establishmentID uuid.UUID, status Status, limit, offset int) ([]*Invoice, int, error)

	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error)
	// SettlePayment moves a pending payment to its outcome.
	SettlePayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
	CompletedTotal(ctx context.Context, invoiceID uuid.UUID) (reimbursement.Amount, error)
	// FailPendingPayments marks every pending payment of the invoice failed.
	FailPendingPayments(ctx context.Context, invoiceID uuid.UUID, at time.Time) (int, error)
}
