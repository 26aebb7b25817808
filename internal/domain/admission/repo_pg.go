package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

const pendingConstraint = "admission_requests_pending_key"

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

const requestCols = `id, request_type, establishment_id, professional_id, professional_email, initiator_id,
	role, department, message, status, matricule, rejection_reason, expires_at, resolved_at, resolved_by, created_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var q Request
	err := row.Scan(
		&q.ID, &q.Type, &q.EstablishmentID, &q.ProfessionalID, &q.ProfessionalEmail, &q.InitiatorID,
		&q.Role, &q.Department, &q.Message, &q.Status, &q.Matricule, &q.RejectionReason,
		&q.ExpiresAt, &q.ResolvedAt, &q.ResolvedBy, &q.CreatedAt,
	)
	if err != nil {
		if errors.Is(db.Classify(err), db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, db.Classify(err)
	}
	return &q, nil
}

func (r *repoPG) Create(ctx context.Context, q *Request) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO admission_requests (
			id, request_type, establishment_id, professional_id, professional_email, initiator_id,
			role, department, message, status, expires_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		q.ID, q.Type, q.EstablishmentID, q.ProfessionalID, q.ProfessionalEmail, q.InitiatorID,
		q.Role, q.Department, q.Message, q.Status, q.ExpiresAt, q.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err, pendingConstraint) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("insert admission request: %w", db.Classify(err))
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM admission_requests WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Request, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM admission_requests WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) Resolve(ctx context.Context, q *Request) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE admission_requests
		SET status = $2, professional_id = $3, matricule = $4, rejection_reason = $5,
		    resolved_at = $6, resolved_by = $7
		WHERE id = $1 AND status = 'pending'`,
		q.ID, q.Status, q.ProfessionalID, q.Matricule, q.RejectionReason, q.ResolvedAt, q.ResolvedBy,
	)
	if err != nil {
		return fmt.Errorf("resolve admission request: %w", db.Classify(err))
	}
	if tag.RowsAffected() == 0 {
		// resolved concurrently, e.g. by the expiry sweep
		cur, err := r.GetByID(ctx, q.ID)
		if err != nil {
			return err
		}
		if cur.Status == StatusExpired {
			return ErrRequestExpired
		}
		return ErrTerminalState
	}
	return nil
}

func (r *repoPG) list(ctx context.Context, where sq.And, f ListFilter) ([]*Request, int, error) {
	if f.Type != "" {
		where = append(where, sq.Eq{"request_type": string(f.Type)})
	}
	if !f.OpenAt.IsZero() {
		where = append(where, sq.Eq{"status": string(StatusPending)}, sq.Gt{"expires_at": f.OpenAt})
	}

	countSQL, countArgs, err := r.builder.Select("COUNT(*)").From("admission_requests").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count admission sql: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, db.Classify(err)
	}

	listSQL, listArgs, err := r.builder.Select(requestCols).
		From("admission_requests").
		Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list admission sql: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, db.Classify(err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		q, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, q)
	}
	return out, total, db.Classify(rows.Err())
}

func (r *repoPG) ListForEstablishment(ctx context.Context, establishmentID uuid.UUID, f ListFilter) ([]*Request, int, error) {
	return r.list(ctx, sq.And{sq.Eq{"establishment_id": establishmentID}}, f)
}

func (r *repoPG) ListForProfessional(ctx context.Context, professionalID uuid.UUID, email string, f ListFilter) ([]*Request, int, error) {
	return r.list(ctx, sq.And{sq.Or{
		sq.Eq{"professional_id": professionalID},
		sq.And{sq.Eq{"professional_id": nil}, sq.Eq{"professional_email": email}},
	}}, f)
}

func (r *repoPG) ExpireStale(ctx context.Context, now time.Time) ([]*Request, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE admission_requests
		SET status = 'expired', resolved_at = $1
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING `+requestCols, now)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		q, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, db.Classify(rows.Err())
}
