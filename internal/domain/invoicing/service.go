package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/domain/establishment"
	"github.com/okatech-org/sante-sub008/internal/domain/reimbursement"
	"github.com/okatech-org/sante-sub008/internal/domain/workcontext"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
	"github.com/okatech-org/sante-sub008/internal/platform/events"
	"github.com/okatech-org/sante-sub008/internal/platform/retry"
	"github.com/okatech-org/sante-sub008/internal/platform/telemetry"
)

type EstablishmentLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*establishment.Establishment, error)
}

// Viewer is whoever reads invoices: the patient, or staff under a working
// context.
type Viewer struct {
	IdentityID uuid.UUID
	Context    *workcontext.WorkingContext
}

type Service struct {
	repo           Repository
	establishments EstablishmentLookup
	tx             db.Transactor
	policy         reimbursement.Policy
	currency       string
	retry          retry.Config
	publisher      events.Publisher
	metrics        *telemetry.Metrics
	logger         zerolog.Logger
	now            func() time.Time
}

func NewService(
	repo Repository,
	establishments EstablishmentLookup,
	tx db.Transactor,
	policy reimbursement.Policy,
	currency string,
	maxNumberAttempts int,
	logger zerolog.Logger,
) *Service {
	s := &Service{
		repo:           repo,
		establishments: establishments,
		tx:             tx,
		policy:         policy,
		currency:       currency,
		publisher:      events.NopPublisher{},
		logger:         logger.With().Str("component", "invoicing").Logger(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	s.retry = retry.Config{
		MaxAttempts:   maxNumberAttempts,
		InitialDelay:  5 * time.Millisecond,
		MaxDelay:      100 * time.Millisecond,
		BackoffFactor: 2,
		RetryIf: func(err error) bool {
			return errors.Is(err, ErrNumberAllocationConflict) || db.IsRetryable(err)
		},
		OnRetry: func(attempt int, err error, next time.Duration) {
			s.metrics.InvoiceNumberConflict()
			s.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", next).Msg("retrying invoice number allocation")
		},
	}
	return s
}

func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }
func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// CreateInvoice computes the split of d, allocates the next number of the
// working establishment and stores the invoice as pending, all in one
// transaction. Number conflicts are retried and never returned.
func (s *Service) CreateInvoice(ctx context.Context, wc *workcontext.WorkingContext, d Draft) (*Invoice, error) {
	if !wc.Can(affiliation.CapManageBilling) {
		return nil, ErrForbidden
	}
	if d.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	split, err := reimbursement.Compute(d.Quote, s.policy)
	if err != nil {
		return nil, err
	}
	est, err := s.establishments.Get(ctx, wc.EstablishmentID)
	if err != nil {
		return nil, err
	}
	insurer := strings.ToUpper(strings.TrimSpace(d.InsurerCode))
	if insurer != "" && !est.AcceptsConvention(insurer) {
		return nil, fmt.Errorf("%w: %s", ErrConventionNotAccepted, insurer)
	}

	now := s.now()
	inv := &Invoice{
		ID:                 uuid.New(),
		EstablishmentID:    est.ID,
		PatientID:          d.PatientID,
		ConsultationID:     d.ConsultationID,
		PrescriptionID:     d.PrescriptionID,
		BilledAmount:       split.BilledAmount,
		ConventionedTariff: split.ConventionedTariff,
		CoverageRate:       split.CoverageRate,
		CoveredAmount:      split.CoveredAmount,
		CoPayment:          split.CoPayment,
		Gap:                split.Gap,
		PatientBalance:     split.PatientBalance,
		Currency:           s.currency,
		InsurerCode:        insurer,
		Status:             StatusPending,
		CreatedBy:          wc.IdentityID,
		CreatedAt:          now,
	}

	attempt := 0
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		skip := attempt
		attempt++
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			seq, err := s.repo.NextNumber(ctx, est.ID, now.Year(), skip)
			if err != nil {
				return err
			}
			inv.Number = fmt.Sprintf("%s-%d-%06d", est.Code, now.Year(), seq)
			return s.repo.Create(ctx, inv)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNumberAllocationConflict) {
			return nil, fmt.Errorf("allocate invoice number after %d attempts: %w", attempt, db.ErrBackendUnavailable)
		}
		return nil, err
	}

	s.metrics.InvoiceCreated()
	s.logger.Info().
		Str("invoice_id", inv.ID.String()).
		Str("number", inv.Number).
		Int64("patient_balance", int64(inv.PatientBalance)).
		Msg("invoice created")
	s.publish(ctx, events.TypeInvoiceCreated, inv)
	return inv, nil
}

// canRead reports whether v may see inv: the patient, or billing staff of
// the issuing establishment.
func canRead(v Viewer, inv *Invoice) bool {
	if v.IdentityID == inv.PatientID {
		return true
	}
	return v.Context.ActsFor(inv.EstablishmentID) &&
		(v.Context.Can(affiliation.CapManageBilling) || v.Context.Can(affiliation.CapRecordPayments))
}

// Get hides invoices v may not read behind ErrNotFound.
func (s *Service) Get(ctx context.Context, v Viewer, id uuid.UUID) (*Invoice, error) {
	inv, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canRead(v, inv) {
		return nil, ErrNotFound
	}
	return inv, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByEstablishment(ctx context.Context, wc *workcontext.WorkingContext, status Status, limit, offset int) ([]*Invoice, int, error) {
	if !wc.Can(affiliation.CapManageBilling) && !wc.Can(affiliation.CapRecordPayments) {
		return nil, 0, ErrForbidden
	}
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return s.repo.ListByEstablishment(ctx, wc.EstablishmentID, status, limit, offset)
}

func (s *Service) Payments(ctx context.Context, v Viewer, invoiceID uuid.UUID) ([]*Payment, error) {
	if _, err := s.Get(ctx, v, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListPayments(ctx, invoiceID)
}

// lockOwned locks the invoice and checks it belongs to the working
// establishment.
func (s *Service) lockOwned(ctx context.Context, wc *workcontext.WorkingContext, id uuid.UUID) (*Invoice, error) {
	inv, err := s.repo.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !wc.ActsFor(inv.EstablishmentID) {
		return nil, ErrNotFound
	}
	return inv, nil
}

// RecordPayment registers a pending payment. It never marks the invoice
// paid; only a confirmation does.
func (s *Service) RecordPayment(ctx context.Context, wc *workcontext.WorkingContext, invoiceID uuid.UUID, in NewPayment) (*Payment, error) {
	if !wc.Can(affiliation.CapRecordPayments) {
		return nil, ErrForbidden
	}
	if !in.Method.Valid() {
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidInput, in.Method)
	}
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	insurer := strings.ToUpper(strings.TrimSpace(in.InsurerCode))
	if in.Method == MethodThirdPartyPayer && insurer == "" {
		return nil, fmt.Errorf("%w: third_party_payer requires insurer_code", ErrInvalidInput)
	}

	var p *Payment
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := s.lockOwned(ctx, wc, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != StatusPending {
			return ErrInvoiceNotPending
		}
		if in.Method == MethodThirdPartyPayer {
			est, err := s.establishments.Get(ctx, inv.EstablishmentID)
			if err != nil {
				return err
			}
			if !est.AcceptsConvention(insurer) {
				return fmt.Errorf("%w: %s", ErrConventionNotAccepted, insurer)
			}
		}
		p = &Payment{
			ID:          uuid.New(),
			InvoiceID:   inv.ID,
			Method:      in.Method,
			Amount:      in.Amount,
			InsurerCode: insurer,
			Status:      PaymentPending,
			CreatedBy:   wc.IdentityID,
			CreatedAt:   s.now(),
		}
		return s.repo.CreatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ConfirmPayment applies the gateway outcome. Repeating the same outcome is
// a no-op; a different outcome for a settled payment is ErrPaymentSettled.
// A completed payment pays the invoice once completed payments cover the
// amount due. It returns the invoice as it stands after the call.
func (s *Service) ConfirmPayment(ctx context.Context, c Confirmation) (*Payment, *Invoice, error) {
	if c.Outcome != PaymentCompleted && c.Outcome != PaymentFailed {
		return nil, nil, fmt.Errorf("%w: outcome must be completed or failed", ErrInvalidInput)
	}

	var (
		payment *Payment
		invoice *Invoice
		label   string
		paid    bool
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		peek, err := s.repo.GetPayment(ctx, c.PaymentID)
		if err != nil {
			return err
		}
		// Invoice before payment, the order Cancel takes its locks in.
		inv, err := s.repo.GetForUpdate(ctx, peek.InvoiceID)
		if err != nil {
			return err
		}
		p, err := s.repo.GetPaymentForUpdate(ctx, c.PaymentID)
		if err != nil {
			return err
		}
		payment, invoice = p, inv

		switch p.Status {
		case c.Outcome:
			label = "duplicate"
			return nil
		case PaymentPending:
		default:
			label = "conflict"
			return ErrPaymentSettled
		}

		now := s.now()
		p.Status = c.Outcome
		p.ExternalRef = strings.TrimSpace(c.ExternalRef)
		p.SettledAt = &now
		if err := s.repo.SettlePayment(ctx, p); err != nil {
			return err
		}
		label = string(c.Outcome)

		if c.Outcome != PaymentCompleted || inv.Status != StatusPending {
			return nil
		}
		total, err := s.repo.CompletedTotal(ctx, inv.ID)
		if err != nil {
			return err
		}
		if total < inv.amountDue() {
			return nil
		}
		inv.Status = StatusPaid
		inv.PaidAt = &now
		if err := s.repo.UpdateStatus(ctx, inv); err != nil {
			return err
		}
		paid = true
		return nil
	})
	if label != "" {
		s.metrics.PaymentConfirmation(label)
	}
	if err != nil {
		return nil, nil, err
	}

	if paid {
		s.logger.Info().Str("invoice_id", invoice.ID.String()).Str("number", invoice.Number).Msg("invoice paid")
		s.publish(ctx, events.TypeInvoicePaid, invoice)
	}
	return payment, invoice, nil
}

// Cancel closes a pending invoice that has no completed payment. Pending
// payments are failed in the same transaction.
func (s *Service) Cancel(ctx context.Context, wc *workcontext.WorkingContext, id uuid.UUID, reason string) (*Invoice, error) {
	if !wc.Can(affiliation.CapManageBilling) {
		return nil, ErrForbidden
	}

	var inv *Invoice
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.lockOwned(ctx, wc, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusPending {
			return fmt.Errorf("%w: invoice is %s", ErrCannotCancel, inv.Status)
		}
		total, err := s.repo.CompletedTotal(ctx, inv.ID)
		if err != nil {
			return err
		}
		if total > 0 {
			return fmt.Errorf("%w: invoice has completed payments", ErrCannotCancel)
		}

		now := s.now()
		if _, err := s.repo.FailPendingPayments(ctx, inv.ID, now); err != nil {
			return err
		}
		inv.Status = StatusCancelled
		inv.CancelledAt = &now
		inv.CancelReason = strings.TrimSpace(reason)
		return s.repo.UpdateStatus(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeInvoiceCancelled, inv)
	return inv, nil
}

func (s *Service) publish(ctx context.Context, eventType string, inv *Invoice) {
	ev, err := events.New(eventType, inv.EstablishmentID.String(), inv.ID.String(), map[string]interface{}{
		"number":          inv.Number,
		"patient_id":      inv.PatientID.String(),
		"patient_balance": inv.PatientBalance,
		"currency":        inv.Currency,
	})
	if err == nil {
		err = s.publisher.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("invoice_id", inv.ID.String()).Str("event", eventType).Msg("publish failed")
	}
}
