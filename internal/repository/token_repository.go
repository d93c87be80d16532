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

// TokenRepository handles bearer token and token pair persistence
type TokenRepository struct {
	db *database.Postgres
}

// NewTokenRepository creates a new TokenRepository
func NewTokenRepository(db *database.Postgres) *TokenRepository {
	return &TokenRepository{db: db}
}

// --- Bearer tokens ---

// CreateToken stores a new bearer token
func (r *TokenRepository) CreateToken(ctx context.Context, token *model.BearerToken) error {
	abilitiesJSON, err := json.Marshal(token.Abilities)
	if err != nil {
		abilitiesJSON = []byte("[]")
	}

	query := `
		INSERT INTO bearer_tokens (id, user_id, name, token_hash, abilities, created_at, expires_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		token.ID,
		token.UserID,
		token.Name,
		token.TokenHash,
		abilitiesJSON,
		token.CreatedAt,
		token.ExpiresAt,
		token.LastUsedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create bearer token: %w", err)
	}
	return nil
}

// GetTokenByHash retrieves a bearer token by the SHA-256 of its plaintext
func (r *TokenRepository) GetTokenByHash(ctx context.Context, tokenHash string) (*model.BearerToken, error) {
	query := `
		SELECT id, user_id, name, token_hash, abilities, created_at, expires_at, last_used_at
		FROM bearer_tokens
		WHERE token_hash = $1
	`
	return r.scanToken(r.db.QueryRowContext(ctx, query, tokenHash))
}

// GetTokenByID retrieves a bearer token by ID
func (r *TokenRepository) GetTokenByID(ctx context.Context, id string) (*model.BearerToken, error) {
	query := `
		SELECT id, user_id, name, token_hash, abilities, created_at, expires_at, last_used_at
		FROM bearer_tokens
		WHERE id = $1
	`
	return r.scanToken(r.db.QueryRowContext(ctx, query, id))
}

// TouchToken updates a token's last_used_at timestamp
func (r *TokenRepository) TouchToken(ctx context.Context, id string, usedAt time.Time) error {
	query := `UPDATE bearer_tokens SET last_used_at = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, usedAt, id)
	if err != nil {
		return fmt.Errorf("failed to touch bearer token: %w", err)
	}
	return nil
}

// DeleteExpiredTokens removes bearer tokens past their expiry
func (r *TokenRepository) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM bearer_tokens WHERE expires_at IS NOT NULL AND expires_at < $1`
	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return result.RowsAffected()
}

// --- Token pairs ---

// CreatePair stores a new token pair record
func (r *TokenRepository) CreatePair(ctx context.Context, pair *model.TokenPair) error {
	query := `
		INSERT INTO token_pairs (id, user_id, device_id, access_token_id, refresh_token_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		pair.ID,
		pair.UserID,
		pair.DeviceID,
		pair.AccessTokenID,
		pair.RefreshTokenID,
		pair.CreatedAt,
		pair.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create token pair: %w", err)
	}
	return nil
}

// GetPairByRefreshTokenID finds the pair a refresh token belongs to
func (r *TokenRepository) GetPairByRefreshTokenID(ctx context.Context, refreshTokenID string) (*model.TokenPair, error) {
	query := `
		SELECT id, user_id, device_id, access_token_id, refresh_token_id, created_at, expires_at
		FROM token_pairs
		WHERE refresh_token_id = $1
	`
	return r.scanPair(r.db.QueryRowContext(ctx, query, refreshTokenID))
}

// GetLatestPairByUserAndDevice returns the most recently issued pair
// for a (user, device)
func (r *TokenRepository) GetLatestPairByUserAndDevice(ctx context.Context, userID, deviceID string) (*model.TokenPair, error) {
	query := `
		SELECT id, user_id, device_id, access_token_id, refresh_token_id, created_at, expires_at
		FROM token_pairs
		WHERE user_id = $1 AND device_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanPair(r.db.QueryRowContext(ctx, query, userID, deviceID))
}

// ListPairsByUserAndDevice returns all pairs for a (user, device).
// Normally one, but revocation paths tolerate stragglers.
func (r *TokenRepository) ListPairsByUserAndDevice(ctx context.Context, userID, deviceID string) ([]model.TokenPair, error) {
	query := `
		SELECT id, user_id, device_id, access_token_id, refresh_token_id, created_at, expires_at
		FROM token_pairs
		WHERE user_id = $1 AND device_id = $2
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device token pairs: %w", err)
	}
	defer rows.Close()
	return r.collectPairs(rows)
}

// ListPairsByUser returns all pairs for a user across devices
func (r *TokenRepository) ListPairsByUser(ctx context.Context, userID string) ([]model.TokenPair, error) {
	query := `
		SELECT id, user_id, device_id, access_token_id, refresh_token_id, created_at, expires_at
		FROM token_pairs
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user token pairs: %w", err)
	}
	defer rows.Close()
	return r.collectPairs(rows)
}

// ListReclaimablePairs returns pairs past their expiry plus orphaned
// pairs whose underlying tokens are gone on both sides
func (r *TokenRepository) ListReclaimablePairs(ctx context.Context, now time.Time) ([]model.TokenPair, error) {
	query := `
		SELECT p.id, p.user_id, p.device_id, p.access_token_id, p.refresh_token_id, p.created_at, p.expires_at
		FROM token_pairs p
		WHERE p.expires_at < $1
		   OR (NOT EXISTS (SELECT 1 FROM bearer_tokens t WHERE t.id = p.access_token_id)
		       AND NOT EXISTS (SELECT 1 FROM bearer_tokens t WHERE t.id = p.refresh_token_id))
	`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query reclaimable pairs: %w", err)
	}
	defer rows.Close()
	return r.collectPairs(rows)
}

// DeletePairWithTokens removes a pair record and both of its underlying
// tokens in one transaction. The pair row goes first so no lookup can
// observe a pair whose tokens are already gone.
func (r *TokenRepository) DeletePairWithTokens(ctx context.Context, pair *model.TokenPair) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM token_pairs WHERE id = $1`, pair.ID); err != nil {
		return fmt.Errorf("failed to delete token pair: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bearer_tokens WHERE id IN ($1, $2)`,
		pair.AccessTokenID, pair.RefreshTokenID); err != nil {
		return fmt.Errorf("failed to delete pair tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pair deletion: %w", err)
	}
	return nil
}

func (r *TokenRepository) collectPairs(rows *sql.Rows) ([]model.TokenPair, error) {
	var pairs []model.TokenPair
	for rows.Next() {
		var pair model.TokenPair
		err := rows.Scan(
			&pair.ID,
			&pair.UserID,
			&pair.DeviceID,
			&pair.AccessTokenID,
			&pair.RefreshTokenID,
			&pair.CreatedAt,
			&pair.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token pair row: %w", err)
		}
		pairs = append(pairs, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate token pair rows: %w", err)
	}
	return pairs, nil
}

// scanPair scans a single token pair row
func (r *TokenRepository) scanPair(row *sql.Row) (*model.TokenPair, error) {
	var pair model.TokenPair
	err := row.Scan(
		&pair.ID,
		&pair.UserID,
		&pair.DeviceID,
		&pair.AccessTokenID,
		&pair.RefreshTokenID,
		&pair.CreatedAt,
		&pair.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan token pair: %w", err)
	}
	return &pair, nil
}

// scanToken scans a single bearer token row
func (r *TokenRepository) scanToken(row *sql.Row) (*model.BearerToken, error) {
	var token model.BearerToken
	var abilitiesJSON []byte
	err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.Name,
		&token.TokenHash,
		&abilitiesJSON,
		&token.CreatedAt,
		&token.ExpiresAt,
		&token.LastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bearer token: %w", err)
	}
	if len(abilitiesJSON) > 0 {
		json.Unmarshal(abilitiesJSON, &token.Abilities)
	}
	return &token, nil
}
