package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"nexus-chat/internal/domain"
)

// ResponseRepository persiste la última respuesta pendiente por sesión.
// Get devuelve pgx.ErrNoRows cuando la clave no existe.
type ResponseRepository interface {
	Upsert(ctx context.Context, resp domain.PendingResponse) error
	Get(ctx context.Context, key string) (domain.PendingResponse, error)
	Delete(ctx context.Context, key string) error
	// DeleteVersion borra el registro sólo si su updated_at sigue siendo updatedAt.
	DeleteVersion(ctx context.Context, key string, updatedAt time.Time) (bool, error)
	DeleteStale(ctx context.Context, prefix string, cutoff time.Time) (int64, error)
}

type PgResponseRepository struct {
	pool *pgxpool.Pool
}

func NewPgResponseRepository(pool *pgxpool.Pool) *PgResponseRepository {
	return &PgResponseRepository{pool: pool}
}

func (r *PgResponseRepository) Upsert(ctx context.Context, resp domain.PendingResponse) error {
	const query = `
		INSERT INTO system_settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`
	_, err := r.pool.Exec(ctx, query, resp.Key, resp.Value, resp.UpdatedAt)
	return err
}

func (r *PgResponseRepository) Get(ctx context.Context, key string) (domain.PendingResponse, error) {
	const query = `
		SELECT key, value, updated_at
		FROM system_settings
		WHERE key = $1
	`
	var resp domain.PendingResponse
	err := r.pool.QueryRow(ctx, query, key).Scan(&resp.Key, &resp.Value, &resp.UpdatedAt)
	if err != nil {
		return domain.PendingResponse{}, err
	}
	return resp, nil
}

func (r *PgResponseRepository) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM system_settings WHERE key = $1`
	_, err := r.pool.Exec(ctx, query, key)
	return err
}

func (r *PgResponseRepository) DeleteVersion(ctx context.Context, key string, updatedAt time.Time) (bool, error) {
	const query = `DELETE FROM system_settings WHERE key = $1 AND updated_at = $2`
	tag, err := r.pool.Exec(ctx, query, key, updatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteStale borra las respuestas bajo prefix con updated_at anterior a cutoff.
func (r *PgResponseRepository) DeleteStale(ctx context.Context, prefix string, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM system_settings
		WHERE starts_with(key, $1) AND updated_at < $2
	`
	tag, err := r.pool.Exec(ctx, query, prefix, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
