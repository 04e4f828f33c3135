package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"accountd/internal/models"
)

var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshLimitExceeded = errors.New("refresh token use limit exceeded")
)

// DeviceRepository manages user_devices rows: one row per (user, device),
// each carrying the device's single live refresh token.
type DeviceRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

// Upsert installs the device with a fresh refresh token. The conflict clause
// on (user_id, device_id) makes same-device re-login a single atomic
// statement: the previous refresh token hash is overwritten and its use
// count reset, so two concurrent logins from one device cannot both leave a
// live token behind.
func (r *DeviceRepository) Upsert(ctx context.Context, device models.UserDevice) error {
	const query = `
		INSERT INTO user_devices (
			id, user_id, device_id, device_name, refresh_token_hash,
			refresh_expires_at, refresh_use_count, created_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, 0, NOW(), NOW()
		)
		ON CONFLICT (user_id, device_id)
		DO UPDATE SET
			id = EXCLUDED.id,
			device_name = EXCLUDED.device_name,
			refresh_token_hash = EXCLUDED.refresh_token_hash,
			refresh_expires_at = EXCLUDED.refresh_expires_at,
			refresh_use_count = 0,
			last_seen_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query,
		device.ID,
		device.UserID,
		device.DeviceID,
		device.DeviceName,
		device.RefreshTokenHash,
		device.RefreshExpiresAt,
	)
	return err
}

func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]models.UserDevice, error) {
	const query = `
		SELECT id, user_id, device_id, device_name, refresh_token_hash,
		       refresh_expires_at, refresh_use_count, created_at, last_seen_at
		FROM user_devices
		WHERE user_id = $1
		ORDER BY last_seen_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.UserDevice
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// FindByRefreshHash returns the device owning the refresh token regardless
// of expiry; the caller checks expiry against its own clock.
func (r *DeviceRepository) FindByRefreshHash(ctx context.Context, refreshHash []byte) (models.UserDevice, error) {
	const query = `
		SELECT id, user_id, device_id, device_name, refresh_token_hash,
		       refresh_expires_at, refresh_use_count, created_at, last_seen_at
		FROM user_devices
		WHERE refresh_token_hash = $1
	`

	device, err := scanDevice(r.pool.QueryRow(ctx, query, refreshHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UserDevice{}, ErrRefreshTokenNotFound
		}
		return models.UserDevice{}, err
	}
	return device, nil
}

// IncrementUseCount bumps the token's use count if it is still under
// maxUses. Check and increment are one guarded statement, so concurrent
// refresh calls on the same token serialize inside the database and exactly
// one of them can take the last remaining use.
func (r *DeviceRepository) IncrementUseCount(ctx context.Context, deviceID string, maxUses int) (int, error) {
	const query = `
		UPDATE user_devices
		SET refresh_use_count = refresh_use_count + 1, last_seen_at = NOW()
		WHERE id = $1 AND refresh_use_count < $2
		RETURNING refresh_use_count
	`

	var count int
	err := r.pool.QueryRow(ctx, query, deviceID, maxUses).Scan(&count)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	// The guarded update matched nothing: either the device row is gone or
	// the use budget is spent.
	const exists = `SELECT EXISTS (SELECT 1 FROM user_devices WHERE id = $1)`
	var found bool
	if err := r.pool.QueryRow(ctx, exists, deviceID).Scan(&found); err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrDeviceNotFound
	}
	return 0, ErrRefreshLimitExceeded
}

func (r *DeviceRepository) DeleteByID(ctx context.Context, id string) error {
	const query = `DELETE FROM user_devices WHERE id = $1`
	cmd, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *DeviceRepository) DeleteByDevice(ctx context.Context, userID string, deviceID string) error {
	const query = `DELETE FROM user_devices WHERE user_id = $1 AND device_id = $2`
	_, err := r.pool.Exec(ctx, query, userID, deviceID)
	return err
}

// DeleteExpired removes devices whose refresh token expired before cutoff.
func (r *DeviceRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM user_devices WHERE refresh_expires_at < $1`
	cmd, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func scanDevice(row pgx.Row) (models.UserDevice, error) {
	var device models.UserDevice
	err := row.Scan(
		&device.ID,
		&device.UserID,
		&device.DeviceID,
		&device.DeviceName,
		&device.RefreshTokenHash,
		&device.RefreshExpiresAt,
		&device.RefreshUseCount,
		&device.CreatedAt,
		&device.LastSeenAt,
	)
	return device, err
}
