package sessioncache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"questro/internal/models"
	"questro/internal/storage"
)

type sqlBackend struct {
	db     *sql.DB
	driver string
}

// NewSQLBackend stores sessions in the history_sessions table.
func NewSQLBackend(db *sql.DB, driver string) Backend {
	return &sqlBackend{db: db, driver: driver}
}

func (b *sqlBackend) Get(ctx context.Context, userID int64, kind models.Kind, id string) ([]byte, bool, error) {
	var payload string
	err := b.db.QueryRowContext(ctx,
		`SELECT payload FROM history_sessions WHERE user_id = ? AND kind = ? AND session_id = ?`,
		userID, string(kind), id,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query session: %w", err)
	}
	return []byte(payload), true, nil
}

func (b *sqlBackend) List(ctx context.Context, userID int64, kind models.Kind) (map[string][]byte, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT session_id, payload FROM history_sessions WHERE user_id = ? AND kind = ?`,
		userID, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out[id] = []byte(payload)
	}
	return out, rows.Err()
}

func (b *sqlBackend) Put(ctx context.Context, userID int64, kind models.Kind, s *models.Session, payload []byte) error {
	query := `INSERT INTO history_sessions (user_id, kind, session_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, kind, session_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
	if !storage.IsSQLite(b.driver) {
		query = `INSERT INTO history_sessions (user_id, kind, session_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`
	}
	_, err := b.db.ExecContext(ctx, query,
		userID, string(kind), s.ID, string(payload), s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli(),
	)
	return err
}

func (b *sqlBackend) Delete(ctx context.Context, userID int64, kind models.Kind, id string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM history_sessions WHERE user_id = ? AND kind = ? AND session_id = ?`,
		userID, string(kind), id,
	)
	return err
}

func (b *sqlBackend) DeleteUser(ctx context.Context, userID int64) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM history_sessions WHERE user_id = ?`, userID)
	return err
}
