package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"questro/internal/models"
	"questro/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
)

// Service handles the user lifecycle and the per-user provider credentials.
type Service struct {
	db     *sql.DB
	driver string
	sealer *keySealer
}

// NewService builds a new assistant service. Stored API keys are encrypted
// when QUESTRO_APIKEY_KEY is set; otherwise they are kept as written.
func NewService(db *sql.DB, driver string) (*Service, error) {
	if db == nil {
		return nil, errors.New("db required")
	}
	svc := &Service{db: db, driver: driver}
	sealer, err := newKeySealerFromEnv()
	switch {
	case err == nil:
		svc.sealer = sealer
	case errors.Is(err, errKeyNotSet):
		slog.Warn("api keys stored without encryption", "env", apiTokenKeyEnv)
	default:
		return nil, err
	}
	return svc, nil
}

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if exists {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, string(hash), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, PasswordHash: string(hash), CreatedAt: now}, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username,
	)
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	for _, stmt := range []string{
		`DELETE FROM user_profiles WHERE user_id = ?`,
		`DELETE FROM apiKeys WHERE user_id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete user data: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// upsertAPIKeySQL returns the dialect specific insert-or-update statement for apiKeys.
func (s *Service) upsertAPIKeySQL() string {
	if storage.IsSQLite(s.driver) {
		return `INSERT INTO apiKeys (user_id, provider, api_key, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, provider) DO UPDATE SET api_key = excluded.api_key, created_at = excluded.created_at`
	}
	return `INSERT INTO apiKeys (user_id, provider, api_key, created_at)
	 VALUES (?, ?, ?, ?)
	 ON DUPLICATE KEY UPDATE api_key = VALUES(api_key), created_at = VALUES(created_at)`
}
