package establishment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

const codeConstraint = "establishments_code_key"

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const establishmentCols = `id, code, name, type, sector, city, province, conventions, active, created_at, updated_at`

func scanEstablishment(row pgx.Row) (*Establishment, error) {
	var e Establishment
	err := row.Scan(&e.ID, &e.Code, &e.Name, &e.Type, &e.Sector, &e.City, &e.Province,
		&e.Conventions, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, db.Classify(err)
	}
	if e.Conventions == nil {
		e.Conventions = []string{}
	}
	return &e, nil
}

func (r *repoPG) Create(ctx context.Context, e *Establishment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO establishments (id, code, name, type, sector, city, province, conventions, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.Code, e.Name, e.Type, e.Sector, e.City, e.Province, e.Conventions, e.Active, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err, codeConstraint) {
			return ErrCodeTaken
		}
		return fmt.Errorf("insert establishment: %w", db.Classify(err))
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Establishment, error) {
	e, err := scanEstablishment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+establishmentCols+` FROM establishments WHERE id = $1`, id))
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Establishment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM establishments`).Scan(&total); err != nil {
		return nil, 0, db.Classify(err)
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+establishmentCols+` FROM establishments ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, db.Classify(err)
	}
	defer rows.Close()

	var out []*Establishment
	for rows.Next() {
		e, err := scanEstablishment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, db.Classify(rows.Err())
}
