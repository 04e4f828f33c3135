package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"accountd/internal/models"
)

var ErrTokenNotFound = errors.New("token not found")

// VerificationRepository manages email verification tokens. A partial
// unique index on user_id WHERE status = 'pending' backs the one-pending-
// token-per-user invariant.
type VerificationRepository struct {
	pool *pgxpool.Pool
}

func NewVerificationRepository(pool *pgxpool.Pool) *VerificationRepository {
	return &VerificationRepository{pool: pool}
}

// Create issues a verification token. If the user already has a pending
// token the row is replaced in place, value and expiry included.
func (r *VerificationRepository) Create(ctx context.Context, token models.EmailVerificationToken) error {
	const query = `
		INSERT INTO email_verification_tokens (
			id, user_id, token, status, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, 'pending', $4, NOW(), NOW()
		)
		ON CONFLICT (user_id) WHERE status = 'pending'
		DO UPDATE SET
			token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query,
		token.ID,
		token.UserID,
		token.Token,
		token.ExpiresAt,
	)
	return err
}

// FindByToken returns the token row whatever its status or expiry; status
// transitions and expiry checks belong to the caller.
func (r *VerificationRepository) FindByToken(ctx context.Context, value string) (models.EmailVerificationToken, error) {
	const query = `
		SELECT id, user_id, token, status, expires_at, created_at, updated_at
		FROM email_verification_tokens
		WHERE token = $1
	`

	row := r.pool.QueryRow(ctx, query, value)
	var token models.EmailVerificationToken
	if err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.Token,
		&token.Status,
		&token.ExpiresAt,
		&token.CreatedAt,
		&token.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EmailVerificationToken{}, ErrTokenNotFound
		}
		return models.EmailVerificationToken{}, err
	}
	return token, nil
}

// Refresh replaces the token value and extends expiry while the token is
// still pending; the identity stays the same. Confirmed tokens are never
// touched.
func (r *VerificationRepository) Refresh(ctx context.Context, id string, value string, expiresAt time.Time) error {
	const query = `
		UPDATE email_verification_tokens
		SET token = $2, expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	cmd, err := r.pool.Exec(ctx, query, id, value, expiresAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// ConfirmAndMarkVerified flips the token to confirmed and sets the user's
// verified flag in one transaction, so the two writes can never diverge.
// Both updates are idempotent guards: a concurrent confirm that got there
// first leaves nothing further to do.
func (r *VerificationRepository) ConfirmAndMarkVerified(ctx context.Context, tokenID string, userID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE email_verification_tokens
		SET status = 'confirmed', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, tokenID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users SET email_verified = TRUE, updated_at = NOW()
		WHERE id = $1 AND email_verified = FALSE
	`, userID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// DeleteExpired removes pending tokens past their expiry.
func (r *VerificationRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM email_verification_tokens
		WHERE status = 'pending' AND expires_at < $1
	`
	cmd, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
