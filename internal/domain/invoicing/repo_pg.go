package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okatech-org/sante-sub008/internal/domain/reimbursement"
	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

const numberConstraint = "invoices_number_key"

type repoPG struct {
	pool    *pgxpool.Pool
	builder sq.StatementBuilderType
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool, builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const invoiceCols = `id, number, establishment_id, patient_id, consultation_id, prescription_id,
	billed_amount, conventioned_tariff, coverage_rate, covered_amount, co_payment, gap, patient_balance,
	currency, insurer_code, status, created_by, cancel_reason, created_at, paid_at, cancelled_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.EstablishmentID, &inv.PatientID, &inv.ConsultationID, &inv.PrescriptionID,
		&inv.BilledAmount, &inv.ConventionedTariff, &inv.CoverageRate, &inv.CoveredAmount, &inv.CoPayment,
		&inv.Gap, &inv.PatientBalance, &inv.Currency, &inv.InsurerCode, &inv.Status, &inv.CreatedBy,
		&inv.CancelReason, &inv.CreatedAt, &inv.PaidAt, &inv.CancelledAt,
	)
	if err != nil {
		if errors.Is(db.Classify(err), db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, db.Classify(err)
	}
	return &inv, nil
}

func (r *repoPG) NextNumber(ctx context.Context, establishmentID uuid.UUID, year, skip int) (int64, error) {
	var seq int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO invoice_counters (establishment_id, year, last_value)
		VALUES ($1, $2, 1 + $3)
		ON CONFLICT (establishment_id, year)
		DO UPDATE SET last_value = invoice_counters.last_value + 1 + $3
		RETURNING last_value`,
		establishmentID, year, skip,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("advance invoice counter: %w", db.Classify(err))
	}
	return seq, nil
}

func (r *repoPG) Create(ctx context.Context, inv *Invoice) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoices (`+invoiceCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		inv.ID, inv.Number, inv.EstablishmentID, inv.PatientID, inv.ConsultationID, inv.PrescriptionID,
		inv.BilledAmount, inv.ConventionedTariff, inv.CoverageRate, inv.CoveredAmount, inv.CoPayment,
		inv.Gap, inv.PatientBalance, inv.Currency, inv.InsurerCode, inv.Status, inv.CreatedBy,
		inv.CancelReason, inv.CreatedAt, inv.PaidAt, inv.CancelledAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err, numberConstraint) {
			return ErrNumberAllocationConflict
		}
		return fmt.Errorf("insert invoice: %w", db.Classify(err))
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) UpdateStatus(ctx context.Context, inv *Invoice) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET status = $2, paid_at = $3, cancelled_at = $4, cancel_reason = $5
		WHERE id = $1 AND status = 'pending'`,
		inv.ID, inv.Status, inv.PaidAt, inv.CancelledAt, inv.CancelReason,
	)
	if err != nil {
		return fmt.Errorf("update invoice status: %w", db.Classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotPending
	}
	return nil
}

func (r *repoPG) list(ctx context.Context, where sq.Eq, limit, offset int) ([]*Invoice, int, error) {
	countSQL, countArgs, err := r.builder.Select("COUNT(*)").From("invoices").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count invoice sql: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, db.Classify(err)
	}

	listSQL, listArgs, err := r.builder.Select(invoiceCols).
		From("invoices").
		Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list invoice sql: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, db.Classify(err)
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	return out, total, db.Classify(rows.Err())
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	return r.list(ctx, sq.Eq{"patient_id": patientID}, limit, offset)
}

func (r *repoPG) ListByEstablishment(ctx context.Context, establishmentID uuid.UUID, status Status, limit, offset int) ([]*Invoice, int, error) {
	where := sq.Eq{"establishment_id": establishmentID}
	if status != "" {
		where["status"] = string(status)
	}
	return r.list(ctx, where, limit, offset)
}

const paymentCols = `id, invoice_id, method, amount, insurer_code, status, external_ref, created_by, created_at, settled_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.InvoiceID, &p.Method, &p.Amount, &p.InsurerCode, &p.Status,
		&p.ExternalRef, &p.CreatedBy, &p.CreatedAt, &p.SettledAt)
	if err != nil {
		if errors.Is(db.Classify(err), db.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, db.Classify(err)
	}
	return &p, nil
}

func (r *repoPG) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payments (`+paymentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.InvoiceID, p.Method, p.Amount, p.InsurerCode, p.Status,
		p.ExternalRef, p.CreatedBy, p.CreatedAt, p.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", db.Classify(err))
	}
	return nil
}

func (r *repoPG) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
}

func (r *repoPG) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) SettlePayment(ctx context.Context, p *Payment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payments SET status = $2, external_ref = $3, settled_at = $4
		WHERE id = $1 AND status = 'pending'`,
		p.ID, p.Status, p.ExternalRef, p.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("settle payment: %w", db.Classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentSettled
	}
	return nil
}

func (r *repoPG) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE invoice_id = $1 ORDER BY created_at, id`, invoiceID)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, db.Classify(rows.Err())
}

func (r *repoPG) CompletedTotal(ctx context.Context, invoiceID uuid.UUID) (reimbursement.Amount, error) {
	var total reimbursement.Amount
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT FROM payments WHERE invoice_id = $1 AND status = 'completed'`,
		invoiceID,
	).Scan(&total)
	if err != nil {
		return 0, db.Classify(err)
	}
	return total, nil
}

func (r *repoPG) FailPendingPayments(ctx context.Context, invoiceID uuid.UUID, at time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payments SET status = 'failed', settled_at = $2
		WHERE invoice_id = $1 AND status = 'pending'`,
		invoiceID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("fail pending payments: %w", db.Classify(err))
	}
	return int(tag.RowsAffected()), nil
}
