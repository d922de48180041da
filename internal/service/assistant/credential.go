package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"questro/internal/models"
)

// ErrAPIKeyNotConfigured is returned when an AI action is requested before the
// user stored a key for the provider.
var ErrAPIKeyNotConfigured = errors.New("api key not configured")

// EnsureAIReady returns the key the user stored for provider, or
// ErrAPIKeyNotConfigured.
func (s *Service) EnsureAIReady(ctx context.Context, userID int64, provider string) (string, error) {
	key, err := s.GetAPIKey(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("%w for %s", ErrAPIKeyNotConfigured, provider)
	}
	return key, nil
}

// GetAPIKey returns the decrypted key for the user/provider pair, or an empty
// string when none is stored.
func (s *Service) GetAPIKey(ctx context.Context, userID int64, provider string) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", errors.New("provider is required")
	}
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM apiKeys WHERE user_id = ? AND provider = ? LIMIT 1`,
		userID, provider,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup api key: %w", err)
	}
	return s.reveal(userID, provider, stored), nil
}

// SetAPIKey stores or replaces the key for a user/provider pair.
func (s *Service) SetAPIKey(ctx context.Context, userID int64, provider, key string) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return errors.New("provider is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("api key is required")
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("verify user: %w", err)
	}
	if !exists {
		return errors.New("user not found")
	}

	stored := key
	if s.sealer != nil {
		enc, err := s.sealer.Seal(userID, provider, key)
		if err != nil {
			return fmt.Errorf("encrypt api key: %w", err)
		}
		stored = enc
	}
	if _, err := s.db.ExecContext(ctx, s.upsertAPIKeySQL(), userID, provider, stored, time.Now().UTC()); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	return nil
}

// DeleteAPIKey removes the key of a user/provider pair. A missing key yields
// sql.ErrNoRows.
func (s *Service) DeleteAPIKey(ctx context.Context, userID int64, provider string) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return errors.New("provider is required")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM apiKeys WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListAPIKeys returns the user's stored keys, masked.
func (s *Service) ListAPIKeys(ctx context.Context, userID int64) ([]models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, api_key, created_at FROM apiKeys WHERE user_id = ? ORDER BY provider`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	keys := make([]models.APIKey, 0)
	for rows.Next() {
		var (
			k      models.APIKey
			stored string
		)
		if err := rows.Scan(&k.Provider, &stored, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.Masked = maskKey(s.reveal(userID, k.Provider, stored))
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// reveal opens a stored value. Plaintext rows from before encryption was
// enabled are returned as stored; a sealed value that cannot be opened reads
// as no key at all.
func (s *Service) reveal(userID int64, provider, stored string) string {
	if !isSealed(stored) {
		return stored
	}
	if s.sealer == nil {
		slog.Warn("sealed api key but no encryption key configured", "user_id", userID, "provider", provider, "env", apiTokenKeyEnv)
		return ""
	}
	plain, err := s.sealer.Open(userID, provider, stored)
	if err != nil {
		slog.Warn("open api key", "user_id", userID, "provider", provider, "err", err)
		return ""
	}
	return plain
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:3] + "..." + key[len(key)-4:]
}
