package affiliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

const uniqueTripleConstraint = "affiliations_identity_establishment_role_key"

type repoPG struct {
	pool    *pgxpool.Pool
	builder sq.StatementBuilderType
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{
		pool:    pool,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const affiliationCols = `id, identity_id, establishment_id, role, department, job_position,
	is_admin, permissions, status, matricule, created_at, updated_at`

func scanAffiliation(row pgx.Row) (*Affiliation, error) {
	var (
		a     Affiliation
		perms []byte
	)
	err := row.Scan(
		&a.ID, &a.IdentityID, &a.EstablishmentID, &a.Role, &a.Department, &a.JobPosition,
		&a.IsAdmin, &perms, &a.Status, &a.Matricule, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, ErrUnsupportedRole) {
			return nil, err
		}
		return nil, db.Classify(err)
	}
	a.Permissions = make(PermissionSet)
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &a.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions for affiliation %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Affiliation) (*Affiliation, error) {
	perms, err := json.Marshal(a.Permissions)
	if err != nil {
		return nil, fmt.Errorf("encode permissions: %w", err)
	}

	created, err := scanAffiliation(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO affiliations (
			id, identity_id, establishment_id, role, department, job_position,
			is_admin, permissions, status, matricule, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
		ON CONFLICT (identity_id, establishment_id, role) DO NOTHING
		RETURNING `+affiliationCols,
		a.ID, a.IdentityID, a.EstablishmentID, a.Role, a.Department, a.JobPosition,
		a.IsAdmin, perms, a.Status, a.Matricule, a.CreatedAt,
	))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("insert affiliation: %w", err)
	}

	existing, err := scanAffiliation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+affiliationCols+` FROM affiliations
		 WHERE identity_id = $1 AND establishment_id = $2 AND role = $3`,
		a.IdentityID, a.EstablishmentID, a.Role,
	))
	if err != nil {
		return nil, fmt.Errorf("load existing affiliation: %w", err)
	}
	return existing, ErrDuplicateAffiliation
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Affiliation, error) {
	a, err := scanAffiliation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+affiliationCols+` FROM affiliations WHERE id = $1`, id))
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

func (r *repoPG) ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]*Affiliation, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+affiliationCols+` FROM affiliations
		 WHERE identity_id = $1
		 ORDER BY establishment_id, role`, identityID)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []*Affiliation
	for rows.Next() {
		a, err := scanAffiliation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, db.Classify(rows.Err())
}

func (r *repoPG) ListByEstablishment(ctx context.Context, establishmentID uuid.UUID, f ListFilter, limit, offset int) ([]*Affiliation, int, error) {
	where := sq.And{sq.Eq{"establishment_id": establishmentID}}
	if f.Status != "" {
		where = append(where, sq.Eq{"status": string(f.Status)})
	}
	if f.Role.Valid() {
		where = append(where, sq.Eq{"role": f.Role.String()})
	}

	countSQL, countArgs, err := r.builder.Select("COUNT(*)").From("affiliations").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count affiliations sql: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, db.Classify(err)
	}

	listSQL, listArgs, err := r.builder.Select(affiliationCols).
		From("affiliations").
		Where(where).
		OrderBy("role", "created_at", "id").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list affiliations sql: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, db.Classify(err)
	}
	defer rows.Close()

	var out []*Affiliation
	for rows.Next() {
		a, err := scanAffiliation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, db.Classify(rows.Err())
}

func (r *repoPG) Update(ctx context.Context, id uuid.UUID, p Patch) (*Affiliation, error) {
	q := r.builder.Update("affiliations").
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + affiliationCols)

	if p.Role != nil {
		q = q.Set("role", p.Role.String())
	}
	if p.Department != nil {
		q = q.Set("department", *p.Department)
	}
	if p.JobPosition != nil {
		q = q.Set("job_position", *p.JobPosition)
	}
	if p.IsAdmin != nil {
		q = q.Set("is_admin", *p.IsAdmin)
	}
	if p.Permissions != nil {
		perms, err := json.Marshal(p.Permissions)
		if err != nil {
			return nil, fmt.Errorf("encode permissions: %w", err)
		}
		q = q.Set("permissions", perms)
	}
	if p.Status != nil {
		q = q.Set("status", string(*p.Status))
	}
	if p.Matricule != nil {
		q = q.Set("matricule", *p.Matricule)
	}

	stmt, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update affiliation sql: %w", err)
	}

	a, err := scanAffiliation(r.conn(ctx).QueryRow(ctx, stmt, args...))
	switch {
	case err == nil:
		return a, nil
	case errors.Is(err, db.ErrNotFound):
		return nil, ErrNotFound
	case db.IsUniqueViolation(err, uniqueTripleConstraint):
		return nil, ErrDuplicateAffiliation
	default:
		return nil, fmt.Errorf("update affiliation %s: %w", id, err)
	}
}
