//go:build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/domain/invoicing"
	"github.com/okatech-org/sante-sub008/internal/domain/reimbursement"
)

func tariff(v reimbursement.Amount) *reimbursement.Amount { return &v }

func TestInvoicing_NumbersAreSequentialPerEstablishment(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	admin := s.register(t, "Paul Nzé")
	accountant := s.register(t, "Léa Obame")
	patient := s.register(t, "Jean Ndong")
	est := s.establishment(t, admin.ID, "CNAMGS")
	wc := s.affiliate(t, accountant.ID, est.ID, affiliation.RoleAccountant)

	draft := invoicing.Draft{
		PatientID:   patient.ID,
		InsurerCode: "cnamgs",
		Quote:       reimbursement.Input{BilledAmount: 25000, ConventionedTariff: tariff(20000)},
	}
	first, err := s.invoices.CreateInvoice(ctx, wc, draft)
	require.NoError(t, err)
	second, err := s.invoices.CreateInvoice(ctx, wc, draft)
	require.NoError(t, err)

	year := time.Now().UTC().Year()
	assert.Equal(t, fmt.Sprintf("%s-%d-000001", est.Code, year), first.Number)
	assert.Equal(t, fmt.Sprintf("%s-%d-000002", est.Code, year), second.Number)
	assert.Equal(t, reimbursement.Amount(16000), first.CoveredAmount)
	assert.Equal(t, reimbursement.Amount(9000), first.PatientBalance)
	assert.Equal(t, "CNAMGS", first.InsurerCode)
}

func TestInvoicing_ConcurrentCreationNeverReusesANumber(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	admin := s.register(t, "Paul Nzé")
	patient := s.register(t, "Jean Ndong")
	est := s.establishment(t, admin.ID)
	wc, err := s.resolver.Resolve(ctx, admin.ID, est.ID, nil)
	require.NoError(t, err)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[string]bool{}
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv, err := s.invoices.CreateInvoice(ctx, wc, invoicing.Draft{
				PatientID: patient.ID,
				Quote:     reimbursement.Input{BilledAmount: 10000},
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers[inv.Number] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, numbers, n)
}

func TestInvoicing_PaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	admin := s.register(t, "Paul Nzé")
	cashier := s.register(t, "Marie Ella")
	patient := s.register(t, "Jean Ndong")
	est := s.establishment(t, admin.ID, "CNAMGS")
	billing, err := s.resolver.Resolve(ctx, admin.ID, est.ID, nil)
	require.NoError(t, err)
	desk := s.affiliate(t, cashier.ID, est.ID, affiliation.RoleReceptionist)

	inv, err := s.invoices.CreateInvoice(ctx, billing, invoicing.Draft{
		PatientID: patient.ID,
		Quote:     reimbursement.Input{BilledAmount: 25000, ConventionedTariff: tariff(20000)},
	})
	require.NoError(t, err)

	p1, err := s.invoices.RecordPayment(ctx, desk, inv.ID, invoicing.NewPayment{Method: invoicing.MethodCash, Amount: 4000})
	require.NoError(t, err)
	p2, err := s.invoices.RecordPayment(ctx, desk, inv.ID, invoicing.NewPayment{Method: invoicing.MethodMobileMoney, Amount: 5000})
	require.NoError(t, err)

	_, got, err := s.invoices.ConfirmPayment(ctx, invoicing.Confirmation{PaymentID: p1.ID, Outcome: invoicing.PaymentCompleted})
	require.NoError(t, err)
	assert.Equal(t, invoicing.StatusPending, got.Status)

	// Once money has been received the invoice can no longer be cancelled.
	_, err = s.invoices.Cancel(ctx, billing, inv.ID, "entered twice")
	assert.ErrorIs(t, err, invoicing.ErrCannotCancel)

	_, got, err = s.invoices.ConfirmPayment(ctx, invoicing.Confirmation{PaymentID: p2.ID, Outcome: invoicing.PaymentCompleted, ExternalRef: "MM-77"})
	require.NoError(t, err)
	assert.Equal(t, invoicing.StatusPaid, got.Status)
	require.NotNil(t, got.PaidAt)

	_, _, err = s.invoices.ConfirmPayment(ctx, invoicing.Confirmation{PaymentID: p2.ID, Outcome: invoicing.PaymentFailed})
	assert.ErrorIs(t, err, invoicing.ErrPaymentSettled)

	payments, err := s.invoices.Payments(ctx, invoicing.Viewer{IdentityID: patient.ID}, inv.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestInvoicing_CancelFailsPendingPayments(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	admin := s.register(t, "Paul Nzé")
	patient := s.register(t, "Jean Ndong")
	est := s.establishment(t, admin.ID)
	wc, err := s.resolver.Resolve(ctx, admin.ID, est.ID, nil)
	require.NoError(t, err)

	inv, err := s.invoices.CreateInvoice(ctx, wc, invoicing.Draft{
		PatientID: patient.ID,
		Quote:     reimbursement.Input{BilledAmount: 10000},
	})
	require.NoError(t, err)
	p, err := s.invoices.RecordPayment(ctx, wc, inv.ID, invoicing.NewPayment{Method: invoicing.MethodCard, Amount: 2000})
	require.NoError(t, err)

	cancelled, err := s.invoices.Cancel(ctx, wc, inv.ID, "wrong patient")
	require.NoError(t, err)
	assert.Equal(t, invoicing.StatusCancelled, cancelled.Status)

	payments, err := s.invoices.Payments(ctx, invoicing.Viewer{IdentityID: patient.ID}, inv.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, p.ID, payments[0].ID)
	assert.Equal(t, invoicing.PaymentFailed, payments[0].Status)
}

func TestInvoicing_CoverageRateRoundTripsExactly(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	admin := s.register(t, "Paul Nzé")
	patient := s.register(t, "Jean Ndong")
	est := s.establishment(t, admin.ID)
	wc, err := s.resolver.Resolve(ctx, admin.ID, est.ID, nil)
	require.NoError(t, err)

	r := 0.12345
	created, err := s.invoices.CreateInvoice(ctx, wc, invoicing.Draft{
		PatientID: patient.ID,
		Quote:     reimbursement.Input{BilledAmount: 100000, CoverageRate: &r},
	})
	require.NoError(t, err)

	got, err := s.invoices.Get(ctx, invoicing.Viewer{IdentityID: admin.ID, Context: wc}, created.ID)
	require.NoError(t, err)
	assert.Equal(t, r, got.CoverageRate)
	assert.Equal(t, created.CoveredAmount, got.CoveredAmount)
	assert.Equal(t, reimbursement.Amount(12345), got.CoveredAmount)
}
