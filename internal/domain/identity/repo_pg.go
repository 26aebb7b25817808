package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

const emailConstraint = "identities_email_key"

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const identityCols = `id, full_name, email, phone, active, deactivated_at, created_at, updated_at`

func scanIdentity(row pgx.Row) (*Identity, error) {
	var i Identity
	err := row.Scan(&i.ID, &i.FullName, &i.Email, &i.Phone, &i.Active, &i.DeactivatedAt, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		if errors.Is(db.Classify(err), db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, db.Classify(err)
	}
	return &i, nil
}

func (r *repoPG) Create(ctx context.Context, i *Identity) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO identities (id, full_name, email, phone, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		i.ID, i.FullName, i.Email, i.Phone, i.Active, i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err, emailConstraint) {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert identity: %w", db.Classify(err))
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return scanIdentity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+identityCols+` FROM identities WHERE id = $1`, id))
}

func (r *repoPG) GetByEmail(ctx context.Context, email string) (*Identity, error) {
	return scanIdentity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+identityCols+` FROM identities WHERE email = $1`, email))
}

func (r *repoPG) Update(ctx context.Context, i *Identity) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE identities
		SET full_name = $2, phone = $3, active = $4, deactivated_at = $5, updated_at = $6
		WHERE id = $1`,
		i.ID, i.FullName, i.Phone, i.Active, i.DeactivatedAt, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update identity: %w", db.Classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
