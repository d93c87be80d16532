package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldgate/fieldgate/internal/database"
	"github.com/fieldgate/fieldgate/internal/model"
)

// DeviceRepository handles device registration persistence
type DeviceRepository struct {
	db *database.Postgres
}

// NewDeviceRepository creates a new DeviceRepository
func NewDeviceRepository(db *database.Postgres) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `id, user_id, device_id, device_info, is_trusted, trusted_at,
	       trusted_until, device_secret, registered_at, last_used_at`

// Create inserts a new device registration
func (r *DeviceRepository) Create(ctx context.Context, reg *model.DeviceRegistration) error {
	infoJSON, err := json.Marshal(reg.DeviceInfo)
	if err != nil {
		infoJSON = []byte("{}")
	}

	query := `
		INSERT INTO device_registrations (id, user_id, device_id, device_info, is_trusted,
		    trusted_at, trusted_until, device_secret, registered_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		reg.ID,
		reg.UserID,
		reg.DeviceID,
		infoJSON,
		reg.IsTrusted,
		reg.TrustedAt,
		reg.TrustedUntil,
		reg.DeviceSecret,
		reg.RegisteredAt,
		reg.LastUsedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create device registration: %w", err)
	}
	return nil
}

// GetByUserAndDevice retrieves a registration by its composite identity
func (r *DeviceRepository) GetByUserAndDevice(ctx context.Context, userID, deviceID string) (*model.DeviceRegistration, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM device_registrations
		WHERE user_id = $1 AND device_id = $2
	`, deviceColumns)
	return r.scanRegistration(r.db.QueryRowContext(ctx, query, userID, deviceID))
}

// GetByDeviceID retrieves a registration by device ID alone. Device IDs
// are client-chosen, so when the same ID appears under multiple users
// the most recently used registration wins.
func (r *DeviceRepository) GetByDeviceID(ctx context.Context, deviceID string) (*model.DeviceRegistration, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM device_registrations
		WHERE device_id = $1
		ORDER BY last_used_at DESC
		LIMIT 1
	`, deviceColumns)
	return r.scanRegistration(r.db.QueryRowContext(ctx, query, deviceID))
}

// GetByUserID returns all registrations for a user, most recently used first
func (r *DeviceRepository) GetByUserID(ctx context.Context, userID string) ([]model.DeviceRegistration, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM device_registrations
		WHERE user_id = $1
		ORDER BY last_used_at DESC
	`, deviceColumns)
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user devices: %w", err)
	}
	defer rows.Close()
	return r.collectRegistrations(rows)
}

// Touch updates device_info and last_used_at on re-registration,
// leaving trust state and secret untouched
func (r *DeviceRepository) Touch(ctx context.Context, userID, deviceID string, deviceInfo map[string]interface{}, lastUsedAt time.Time) error {
	infoJSON, err := json.Marshal(deviceInfo)
	if err != nil {
		infoJSON = []byte("{}")
	}

	query := `
		UPDATE device_registrations
		SET device_info = $1, last_used_at = $2
		WHERE user_id = $3 AND device_id = $4
	`
	_, err = r.db.ExecContext(ctx, query, infoJSON, lastUsedAt, userID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to touch device registration: %w", err)
	}
	return nil
}

// UpdateTrust sets or clears the trust fields. Returns true when a row
// was updated, false when no matching registration exists.
func (r *DeviceRepository) UpdateTrust(ctx context.Context, userID, deviceID string, trusted bool, trustedAt, trustedUntil *time.Time) (bool, error) {
	query := `
		UPDATE device_registrations
		SET is_trusted = $1, trusted_at = $2, trusted_until = $3
		WHERE user_id = $4 AND device_id = $5
	`
	result, err := r.db.ExecContext(ctx, query, trusted, trustedAt, trustedUntil, userID, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to update device trust: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateSecret replaces the device's signing secret. Returns true when
// a row was updated.
func (r *DeviceRepository) UpdateSecret(ctx context.Context, userID, deviceID, secret string) (bool, error) {
	query := `UPDATE device_registrations SET device_secret = $1 WHERE user_id = $2 AND device_id = $3`
	result, err := r.db.ExecContext(ctx, query, secret, userID, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to update device secret: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// Delete removes a registration. Returns true when a row was deleted.
func (r *DeviceRepository) Delete(ctx context.Context, userID, deviceID string) (bool, error) {
	query := `DELETE FROM device_registrations WHERE user_id = $1 AND device_id = $2`
	result, err := r.db.ExecContext(ctx, query, userID, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to delete device registration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// OldestByLastUsed returns the user's least recently used registration,
// the eviction candidate when the per-user limit is hit
func (r *DeviceRepository) OldestByLastUsed(ctx context.Context, userID string) (*model.DeviceRegistration, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM device_registrations
		WHERE user_id = $1
		ORDER BY last_used_at ASC
		LIMIT 1
	`, deviceColumns)
	return r.scanRegistration(r.db.QueryRowContext(ctx, query, userID))
}

// CountByUserID returns the number of registrations for a user
func (r *DeviceRepository) CountByUserID(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM device_registrations WHERE user_id = $1`
	var count int
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count user devices: %w", err)
	}
	return count, nil
}

// ListExpiredTrust returns registrations still flagged trusted whose
// trust window has lapsed
func (r *DeviceRepository) ListExpiredTrust(ctx context.Context, now time.Time) ([]model.DeviceRegistration, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM device_registrations
		WHERE is_trusted = TRUE AND trusted_until IS NOT NULL AND trusted_until < $1
	`, deviceColumns)
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired trust: %w", err)
	}
	defer rows.Close()
	return r.collectRegistrations(rows)
}

func (r *DeviceRepository) collectRegistrations(rows *sql.Rows) ([]model.DeviceRegistration, error) {
	var regs []model.DeviceRegistration
	for rows.Next() {
		var reg model.DeviceRegistration
		var infoJSON []byte
		err := rows.Scan(
			&reg.ID,
			&reg.UserID,
			&reg.DeviceID,
			&infoJSON,
			&reg.IsTrusted,
			&reg.TrustedAt,
			&reg.TrustedUntil,
			&reg.DeviceSecret,
			&reg.RegisteredAt,
			&reg.LastUsedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		if len(infoJSON) > 0 {
			json.Unmarshal(infoJSON, &reg.DeviceInfo)
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device rows: %w", err)
	}
	return regs, nil
}

// scanRegistration scans a single registration row
func (r *DeviceRepository) scanRegistration(row *sql.Row) (*model.DeviceRegistration, error) {
	var reg model.DeviceRegistration
	var infoJSON []byte
	err := row.Scan(
		&reg.ID,
		&reg.UserID,
		&reg.DeviceID,
		&infoJSON,
		&reg.IsTrusted,
		&reg.TrustedAt,
		&reg.TrustedUntil,
		&reg.DeviceSecret,
		&reg.RegisteredAt,
		&reg.LastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device registration: %w", err)
	}
	if len(infoJSON) > 0 {
		json.Unmarshal(infoJSON, &reg.DeviceInfo)
	}
	return &reg, nil
}
