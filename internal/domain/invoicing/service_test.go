package invoicing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/domain/establishment"
	"github.com/okatech-org/sante-sub008/internal/domain/reimbursement"
	"github.com/okatech-org/sante-sub008/internal/domain/workcontext"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
	"github.com/okatech-org/sante-sub008/internal/platform/events"
)

// -- Mock Invoicing Repository --

type counterKey struct {
	est  uuid.UUID
	year int
}

type mockRepo struct {
	mu             sync.Mutex
	counters       map[counterKey]int64
	invoices       map[uuid.UUID]*Invoice
	numbers        map[string]bool
	payments       map[uuid.UUID]*Payment
	alwaysConflict bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		counters: make(map[counterKey]int64),
		invoices: make(map[uuid.UUID]*Invoice),
		numbers:  make(map[string]bool),
		payments: make(map[uuid.UUID]*Payment),
	}
}

func (m *mockRepo) NextNumber(_ context.Context, est uuid.UUID, year, skip int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey{est, year}
	m.counters[k] += 1 + int64(skip)
	return m.counters[k], nil
}

func (m *mockRepo) Create(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alwaysConflict || m.numbers[inv.Number] {
		return ErrNumberAllocationConflict
	}
	c := *inv
	m.invoices[inv.ID] = &c
	m.numbers[inv.Number] = true
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *inv
	return &c, nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepo) UpdateStatus(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.invoices[inv.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusPending {
		return ErrInvoiceNotPending
	}
	cur.Status, cur.PaidAt, cur.CancelledAt, cur.CancelReason = inv.Status, inv.PaidAt, inv.CancelledAt, inv.CancelReason
	return nil
}

func (m *mockRepo) filter(keep func(*Invoice) bool, limit, offset int) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Invoice
	for _, inv := range m.invoices {
		if keep(inv) {
			c := *inv
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Number > all[j].Number })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	return m.filter(func(inv *Invoice) bool { return inv.PatientID == patientID }, limit, offset)
}

func (m *mockRepo) ListByEstablishment(_ context.Context, est uuid.UUID, status Status, limit, offset int) ([]*Invoice, int, error) {
	return m.filter(func(inv *Invoice) bool {
		return inv.EstablishmentID == est && (status == "" || inv.Status == status)
	}, limit, offset)
}

func (m *mockRepo) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.payments[p.ID] = &c
	return nil
}

func (m *mockRepo) GetPayment(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	c := *p
	return &c, nil
}

func (m *mockRepo) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return m.GetPayment(ctx, id)
}

func (m *mockRepo) SettlePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if cur.Status != PaymentPending {
		return ErrPaymentSettled
	}
	cur.Status, cur.ExternalRef, cur.SettledAt = p.Status, p.ExternalRef, p.SettledAt
	return nil
}

func (m *mockRepo) ListPayments(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockRepo) CompletedTotal(_ context.Context, invoiceID uuid.UUID) (reimbursement.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total reimbursement.Amount
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID && p.Status == PaymentCompleted {
			total += p.Amount
		}
	}
	return total, nil
}

func (m *mockRepo) FailPendingPayments(_ context.Context, invoiceID uuid.UUID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID && p.Status == PaymentPending {
			p.Status = PaymentFailed
			p.SettledAt = &at
			n++
		}
	}
	return n, nil
}

type fakeEstablishments map[uuid.UUID]*establishment.Establishment

func (f fakeEstablishments) Get(_ context.Context, id uuid.UUID) (*establishment.Establishment, error) {
	if e, ok := f[id]; ok {
		return e, nil
	}
	return nil, establishment.ErrNotFound
}

// -- Fixture --

type fixture struct {
	svc       *Service
	repo      *mockRepo
	published *events.Recorder
	est       *establishment.Establishment
	billing   *workcontext.WorkingContext
	cashier   *workcontext.WorkingContext
	outsider  *workcontext.WorkingContext
	patient   uuid.UUID
}

var policy = reimbursement.Policy{DefaultCoverageRate: 0.8, Ceiling: 500000, RoundingUnit: 1}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	est := &establishment.Establishment{ID: uuid.New(), Code: "CHUL", Conventions: []string{"CNAMGS"}, Active: true}
	other := &establishment.Establishment{ID: uuid.New(), Code: "CMO", Active: true}
	f := &fixture{
		repo:      newMockRepo(),
		published: &events.Recorder{},
		est:       est,
		patient:   uuid.New(),
		billing: &workcontext.WorkingContext{
			IdentityID:      uuid.New(),
			EstablishmentID: est.ID,
			Role:            affiliation.RoleAccountant,
			Permissions:     affiliation.RoleAccountant.DefaultPermissions(),
		},
		cashier: &workcontext.WorkingContext{
			IdentityID:      uuid.New(),
			EstablishmentID: est.ID,
			Role:            affiliation.RoleReceptionist,
			Permissions:     affiliation.RoleReceptionist.DefaultPermissions(),
		},
		outsider: &workcontext.WorkingContext{
			IdentityID:      uuid.New(),
			EstablishmentID: other.ID,
			Role:            affiliation.RoleAccountant,
			Permissions:     affiliation.RoleAccountant.DefaultPermissions(),
		},
	}
	ests := fakeEstablishments{est.ID: est, other.ID: other}
	f.svc = NewService(f.repo, ests, db.InlineTransactor{}, policy, "XAF", 3, zerolog.Nop())
	f.svc.SetPublisher(f.published)
	f.svc.now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }
	f.svc.retry.InitialDelay = time.Millisecond
	return f
}

func amount(v reimbursement.Amount) *reimbursement.Amount { return &v }
func coverage(v float64) *float64 { return &v }

func (f *fixture) draft(billed, tariff reimbursement.Amount) Draft {
	return Draft{
		PatientID: f.patient,
		Quote: reimbursement.Input{
			BilledAmount:       billed,
			ConventionedTariff: amount(tariff),
			CoverageRate:       coverage(0.8),
		},
	}
}

func (f *fixture) invoice(t *testing.T, billed, tariff reimbursement.Amount) *Invoice {
	t.Helper()
	inv, err := f.svc.CreateInvoice(context.Background(), f.billing, f.draft(billed, tariff))
	require.NoError(t, err)
	return inv
}

func (f *fixture) pay(t *testing.T, inv *Invoice, amt reimbursement.Amount) *Payment {
	t.Helper()
	p, err := f.svc.RecordPayment(context.Background(), f.cashier, inv.ID, NewPayment{Method: MethodCash, Amount: amt})
	require.NoError(t, err)
	return p
}

func (f *fixture) confirm(t *testing.T, p *Payment, outcome PaymentStatus) *Invoice {
	t.Helper()
	_, inv, err := f.svc.ConfirmPayment(context.Background(), Confirmation{PaymentID: p.ID, Outcome: outcome, ExternalRef: "MM-1"})
	require.NoError(t, err)
	return inv
}

// -- CreateInvoice --

func TestCreateInvoice_FreezesSplitAndNumbers(t *testing.T) {
	f := newFixture(t)

	first := f.invoice(t, 25000, 20000)
	assert.Equal(t, "CHUL-2026-000001", first.Number)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, reimbursement.Amount(16000), first.CoveredAmount)
	assert.Equal(t, reimbursement.Amount(4000), first.CoPayment)
	assert.Equal(t, reimbursement.Amount(5000), first.Gap)
	assert.Equal(t, reimbursement.Amount(9000), first.PatientBalance)
	assert.Equal(t, "XAF", first.Currency)
	assert.Equal(t, f.billing.IdentityID, first.CreatedBy)

	second := f.invoice(t, 1000, 1000)
	assert.Equal(t, "CHUL-2026-000002", second.Number)
	assert.Equal(t, []string{events.TypeInvoiceCreated, events.TypeInvoiceCreated}, f.published.Types())
}

func TestCreateInvoice_ConcurrentNumbersAreUnique(t *testing.T) {
	f := newFixture(t)
	const n = 16

	var wg sync.WaitGroup
	numbers := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := f.svc.CreateInvoice(context.Background(), f.billing, f.draft(5000, 5000))
			errs[i] = err
			if err == nil {
				numbers[i] = inv.Number
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[numbers[i]], "duplicate number %s", numbers[i])
		seen[numbers[i]] = true
	}
	assert.Len(t, f.repo.invoices, n)
}

func TestCreateInvoice_RetriesPastTakenNumbers(t *testing.T) {
	f := newFixture(t)
	f.repo.numbers["CHUL-2026-000001"] = true
	f.repo.numbers["CHUL-2026-000002"] = true

	inv := f.invoice(t, 1000, 1000)
	assert.Equal(t, "CHUL-2026-000003", inv.Number)
}

func TestCreateInvoice_ConflictNeverSurfaces(t *testing.T) {
	f := newFixture(t)
	f.repo.alwaysConflict = true

	_, err := f.svc.CreateInvoice(context.Background(), f.billing, f.draft(1000, 1000))
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, ErrNumberAllocationConflict)
	assert.Empty(t, f.published.Events())
}

func TestCreateInvoice_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateInvoice(ctx, f.cashier, f.draft(1000, 1000))
	assert.ErrorIs(t, err, ErrForbidden)

	bad := f.draft(1000, 1000)
	bad.Quote.CoverageRate = coverage(1.2)
	_, err = f.svc.CreateInvoice(ctx, f.billing, bad)
	assert.ErrorIs(t, err, reimbursement.ErrInvalidInput)

	noPatient := f.draft(1000, 1000)
	noPatient.PatientID = uuid.Nil
	_, err = f.svc.CreateInvoice(ctx, f.billing, noPatient)
	assert.ErrorIs(t, err, ErrInvalidInput)

	insured := f.draft(1000, 1000)
	insured.InsurerCode = "ascoma"
	_, err = f.svc.CreateInvoice(ctx, f.billing, insured)
	assert.ErrorIs(t, err, ErrConventionNotAccepted)

	insured.InsurerCode = "cnamgs"
	inv, err := f.svc.CreateInvoice(ctx, f.billing, insured)
	require.NoError(t, err)
	assert.Equal(t, "CNAMGS", inv.InsurerCode)
}

// -- Payments --

func TestRecordPayment_DoesNotPayInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t, 25000, 20000)

	p := f.pay(t, inv, 9000)
	assert.Equal(t, PaymentPending, p.Status)

	got, err := f.svc.Get(context.Background(), Viewer{IdentityID: f.patient}, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestRecordPayment_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invoice(t, 25000, 20000)

	cases := []struct {
		name string
		wc   *workcontext.WorkingContext
		in   NewPayment
		want error
	}{
		{"no capability", &workcontext.WorkingContext{EstablishmentID: f.est.ID}, NewPayment{Method: MethodCash, Amount: 1}, ErrForbidden},
		{"unknown method", f.cashier, NewPayment{Method: "cheque", Amount: 1}, ErrInvalidInput},
		{"zero amount", f.cashier, NewPayment{Method: MethodCash}, ErrInvalidInput},
		{"insurer missing", f.cashier, NewPayment{Method: MethodThirdPartyPayer, Amount: 1}, ErrInvalidInput},
		{"insurer not conventioned", f.cashier, NewPayment{Method: MethodThirdPartyPayer, Amount: 1, InsurerCode: "ASCOMA"}, ErrConventionNotAccepted},
		{"other establishment", f.outsider, NewPayment{Method: MethodCash, Amount: 1}, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.RecordPayment(ctx, tc.wc, inv.ID, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	p, err := f.svc.RecordPayment(ctx, f.cashier, inv.ID, NewPayment{Method: MethodThirdPartyPayer, Amount: 16000, InsurerCode: "cnamgs"})
	require.NoError(t, err)
	assert.Equal(t, "CNAMGS", p.InsurerCode)
}

func TestConfirmPayment_PaysWhenBalanceCovered(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t, 25000, 20000)

	p1 := f.pay(t, inv, 4000)
	p2 := f.pay(t, inv, 5000)

	assert.Equal(t, StatusPending, f.confirm(t, p1, PaymentCompleted).Status)
	paid := f.confirm(t, p2, PaymentCompleted)
	assert.Equal(t, StatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.Contains(t, f.published.Types(), events.TypeInvoicePaid)
}

func TestConfirmPayment_IdempotentAndConflicting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invoice(t, 25000, 20000)
	p := f.pay(t, inv, 9000)

	f.confirm(t, p, PaymentCompleted)
	before := len(f.published.Events())

	again, invAgain, err := f.svc.ConfirmPayment(ctx, Confirmation{PaymentID: p.ID, Outcome: PaymentCompleted})
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, again.Status)
	assert.Equal(t, StatusPaid, invAgain.Status)
	assert.Len(t, f.published.Events(), before)

	_, _, err = f.svc.ConfirmPayment(ctx, Confirmation{PaymentID: p.ID, Outcome: PaymentFailed})
	assert.ErrorIs(t, err, ErrPaymentSettled)

	_, _, err = f.svc.ConfirmPayment(ctx, Confirmation{PaymentID: p.ID, Outcome: PaymentPending})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = f.svc.ConfirmPayment(ctx, Confirmation{PaymentID: uuid.New(), Outcome: PaymentCompleted})
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestConfirmPayment_AlreadyPaidInvoiceUnchanged(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t, 25000, 20000)
	first := f.pay(t, inv, 9000)
	extra := f.pay(t, inv, 1000)

	paid := f.confirm(t, first, PaymentCompleted)
	after := f.confirm(t, extra, PaymentCompleted)
	assert.Equal(t, StatusPaid, after.Status)
	assert.Equal(t, *paid.PaidAt, *after.PaidAt)

	count := 0
	for _, typ := range f.published.Types() {
		if typ == events.TypeInvoicePaid {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestConfirmPayment_OverpaidInvoiceOwesNothing(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t, 15000, 20000)
	require.Equal(t, reimbursement.Amount(-1000), inv.PatientBalance)

	p := f.pay(t, inv, 1)
	assert.Equal(t, StatusPaid, f.confirm(t, p, PaymentCompleted).Status)
}

func TestConfirmPayment_FailedLeavesInvoicePending(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t, 25000, 20000)
	p := f.pay(t, inv, 9000)
	assert.Equal(t, StatusPending, f.confirm(t, p, PaymentFailed).Status)
}

// -- Cancel --

func TestCancel_FailsPendingPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invoice(t, 25000, 20000)
	p := f.pay(t, inv, 9000)

	cancelled, err := f.svc.Cancel(ctx, f.billing, inv.ID, " wrong tariff ")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "wrong tariff", cancelled.CancelReason)
	assert.Equal(t, PaymentFailed, f.repo.payments[p.ID].Status)
	assert.Equal(t, reimbursement.Amount(9000), cancelled.PatientBalance)

	_, err = f.svc.Cancel(ctx, f.billing, inv.ID, "again")
	assert.ErrorIs(t, err, ErrCannotCancel)

	_, err = f.svc.RecordPayment(ctx, f.cashier, inv.ID, NewPayment{Method: MethodCash, Amount: 10})
	assert.ErrorIs(t, err, ErrInvoiceNotPending)
}

func TestCancel_RefusedWithCompletedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	partial := f.invoice(t, 25000, 20000)
	f.confirm(t, f.pay(t, partial, 100), PaymentCompleted)
	_, err := f.svc.Cancel(ctx, f.billing, partial.ID, "")
	assert.ErrorIs(t, err, ErrCannotCancel)

	paid := f.invoice(t, 25000, 20000)
	f.confirm(t, f.pay(t, paid, 9000), PaymentCompleted)
	_, err = f.svc.Cancel(ctx, f.billing, paid.ID, "")
	assert.ErrorIs(t, err, ErrCannotCancel)

	_, err = f.svc.Cancel(ctx, f.cashier, paid.ID, "")
	assert.ErrorIs(t, err, ErrForbidden)
}

// -- Reads --

func TestGet_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invoice(t, 1000, 1000)

	for _, v := range []Viewer{
		{IdentityID: f.patient},
		{IdentityID: f.billing.IdentityID, Context: f.billing},
		{IdentityID: f.cashier.IdentityID, Context: f.cashier},
	} {
		_, err := f.svc.Get(ctx, v, inv.ID)
		assert.NoError(t, err)
	}
	for _, v := range []Viewer{
		{IdentityID: uuid.New()},
		{IdentityID: f.outsider.IdentityID, Context: f.outsider},
	} {
		_, err := f.svc.Get(ctx, v, inv.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestListByEstablishment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.invoice(t, 1000, 1000)
	f.invoice(t, 2000, 2000)
	_, err := f.svc.Cancel(ctx, f.billing, a.ID, "")
	require.NoError(t, err)

	list, total, err := f.svc.ListByEstablishment(ctx, f.billing, StatusPending, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)

	_, _, err = f.svc.ListByEstablishment(ctx, f.billing, "draft", 10, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = f.svc.ListByEstablishment(ctx, &workcontext.WorkingContext{EstablishmentID: f.est.ID}, "", 10, 0)
	assert.ErrorIs(t, err, ErrForbidden)
}

// -- Confirmation channel --

func TestConfirmationHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle := ConfirmationHandler(f.svc, zerolog.Nop())
	inv := f.invoice(t, 25000, 20000)
	p := f.pay(t, inv, 9000)

	payload, _ := json.Marshal(Confirmation{PaymentID: p.ID, Outcome: PaymentCompleted, ExternalRef: "AM-77"})
	require.NoError(t, handle(ctx, payload))
	assert.Equal(t, StatusPaid, f.repo.invoices[inv.ID].Status)
	assert.Equal(t, "AM-77", f.repo.payments[p.ID].ExternalRef)

	conflicting, _ := json.Marshal(Confirmation{PaymentID: p.ID, Outcome: PaymentFailed})
	assert.NoError(t, handle(ctx, conflicting))

	assert.Error(t, handle(ctx, []byte("{not json")))

	invalid := []byte(fmt.Sprintf(`{"payment_id":%q,"outcome":"refunded"}`, p.ID))
	err := handle(ctx, invalid)
	assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
}
