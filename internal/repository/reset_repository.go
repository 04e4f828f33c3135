package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"accountd/internal/models"
)

var ErrTokenUsed = errors.New("token already used")

// ResetRepository manages password reset tokens. Issuing a new token does
// not invalidate earlier outstanding ones; each is single-use and dies on
// its own expiry.
type ResetRepository struct {
	pool *pgxpool.Pool
}

func NewResetRepository(pool *pgxpool.Pool) *ResetRepository {
	return &ResetRepository{pool: pool}
}

func (r *ResetRepository) Create(ctx context.Context, token models.PasswordResetToken) error {
	const query = `
		INSERT INTO password_reset_tokens (
			id, user_id, token, used, expires_at, created_at
		) VALUES (
			$1, $2, $3, FALSE, $4, NOW()
		)
	`
	_, err := r.pool.Exec(ctx, query,
		token.ID,
		token.UserID,
		token.Token,
		token.ExpiresAt,
	)
	return err
}

func (r *ResetRepository) FindByToken(ctx context.Context, value string) (models.PasswordResetToken, error) {
	const query = `
		SELECT id, user_id, token, used, expires_at, created_at
		FROM password_reset_tokens
		WHERE token = $1
	`

	row := r.pool.QueryRow(ctx, query, value)
	var token models.PasswordResetToken
	if err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.Token,
		&token.Used,
		&token.ExpiresAt,
		&token.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PasswordResetToken{}, ErrTokenNotFound
		}
		return models.PasswordResetToken{}, err
	}
	return token, nil
}

// MarkUsed consumes the token. The guard on used makes concurrent resets
// with the same token race safely: exactly one caller wins.
func (r *ResetRepository) MarkUsed(ctx context.Context, id string) error {
	const query = `
		UPDATE password_reset_tokens SET used = TRUE WHERE id = $1 AND used = FALSE
	`
	cmd, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrTokenUsed
	}
	return nil
}

func (r *ResetRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM password_reset_tokens WHERE expires_at < $1`
	cmd, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
