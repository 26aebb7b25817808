package medrecord

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
	"github.com/okatech-org/sante-sub008/pkg/pagination"
)

type entryRepoPG struct {
	pool    *pgxpool.Pool
	builder sq.StatementBuilderType
}

func NewEntryRepo(pool *pgxpool.Pool) EntryRepository {
	return &entryRepoPG{pool: pool, builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

func (r *entryRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const entryCols = `id, patient_id, establishment_id, author_id, kind, title, summary, data, supersedes, recorded_at, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var data []byte
	err := row.Scan(&e.ID, &e.PatientID, &e.EstablishmentID, &e.AuthorID, &e.Kind,
		&e.Title, &e.Summary, &data, &e.Supersedes, &e.RecordedAt, &e.CreatedAt)
	if err != nil {
		if errors.Is(db.Classify(err), db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, db.Classify(err)
	}
	e.Data = data
	return &e, nil
}

func (r *entryRepoPG) Create(ctx context.Context, e *Entry) error {
	data := []byte(e.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medical_record_entries (`+entryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.PatientID, e.EstablishmentID, e.AuthorID, e.Kind,
		e.Title, e.Summary, data, e.Supersedes, e.RecordedAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert medical record entry: %w", db.Classify(err))
	}
	return nil
}

func (r *entryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM medical_record_entries WHERE id = $1`, id))
}

func (r *entryRepoPG) ListPage(ctx context.Context, patientID uuid.UUID, after *pagination.Cursor, limit int) ([]*Entry, error) {
	q := r.builder.Select(entryCols).
		From("medical_record_entries").
		Where(sq.Eq{"patient_id": patientID})
	if after != nil {
		q = q.Where(sq.Expr("(created_at, id) < (?, ?)", after.CreatedAt, after.ID))
	}
	query, args, err := q.OrderBy("created_at DESC", "id DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build medical record page sql: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, db.Classify(rows.Err())
}

type grantRepoPG struct {
	pool *pgxpool.Pool
}

func NewGrantRepo(pool *pgxpool.Pool) GrantRepository {
	return &grantRepoPG{pool: pool}
}

func (r *grantRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const grantCols = `id, patient_id, grantee_establishment_id, grantee_professional_id, all_establishments,
	source_establishment_id, granted_at, expires_at, revoked_at`

func scanGrant(row pgx.Row) (*Grant, error) {
	var g Grant
	err := row.Scan(&g.ID, &g.PatientID, &g.GranteeEstablishmentID, &g.GranteeProfessionalID,
		&g.AllEstablishments, &g.SourceEstablishmentID, &g.GrantedAt, &g.ExpiresAt, &g.RevokedAt)
	if err != nil {
		if errors.Is(db.Classify(err), db.ErrNotFound) {
			return nil, ErrGrantNotFound
		}
		return nil, db.Classify(err)
	}
	return &g, nil
}

func (r *grantRepoPG) Create(ctx context.Context, g *Grant) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_grants (`+grantCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		g.ID, g.PatientID, g.GranteeEstablishmentID, g.GranteeProfessionalID, g.AllEstablishments,
		g.SourceEstablishmentID, g.GrantedAt, g.ExpiresAt, g.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("insert consent grant: %w", db.Classify(err))
	}
	return nil
}

func (r *grantRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Grant, error) {
	return scanGrant(r.conn(ctx).QueryRow(ctx,
		`SELECT `+grantCols+` FROM consent_grants WHERE id = $1`, id))
}

func (r *grantRepoPG) collect(ctx context.Context, query string, args ...any) ([]*Grant, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, db.Classify(rows.Err())
}

func (r *grantRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Grant, error) {
	return r.collect(ctx,
		`SELECT `+grantCols+` FROM consent_grants WHERE patient_id = $1 ORDER BY granted_at DESC, id DESC`,
		patientID)
}

func (r *grantRepoPG) ListActive(ctx context.Context, patientID uuid.UUID, t time.Time) ([]*Grant, error) {
	return r.collect(ctx, `
		SELECT `+grantCols+` FROM consent_grants
		WHERE patient_id = $1
		  AND (revoked_at IS NULL OR revoked_at > $2)
		  AND (expires_at IS NULL OR expires_at > $2)`,
		patientID, t)
}

func (r *grantRepoPG) Revoke(ctx context.Context, id uuid.UUID, at time.Time) (*Grant, error) {
	return scanGrant(r.conn(ctx).QueryRow(ctx, `
		UPDATE consent_grants SET revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
		RETURNING `+grantCols, id, at))
}
