// Package sessioncache persists the sessions of every user, partitioned by
// session kind. One entry is stored per session; writes never rewrite a
// whole partition.
package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"questro/internal/models"
)

// MaxSessionIDLen is the longest session id, in bytes, every backend can key.
const MaxSessionIDLen = 64

var ErrInvalidSessionID = errors.New("invalid session id")

// ValidateSessionID rejects ids that are blank or too long to store.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(id) > MaxSessionIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSessionID, MaxSessionIDLen)
	}
	return nil
}

// Backend stores opaque session payloads under (user, kind, id).
type Backend interface {
	Get(ctx context.Context, userID int64, kind models.Kind, id string) ([]byte, bool, error)
	List(ctx context.Context, userID int64, kind models.Kind) (map[string][]byte, error)
	Put(ctx context.Context, userID int64, kind models.Kind, s *models.Session, payload []byte) error
	Delete(ctx context.Context, userID int64, kind models.Kind, id string) error
	DeleteUser(ctx context.Context, userID int64) error
}

// Cache is the typed view over a Backend.
type Cache struct {
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
	locks   keyLocks
}

type Option func(*Cache)

// WithClock overrides the time source used to stamp updated_at.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for skipped entries.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewSessionID returns a time-ordered session identifier.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Load returns every readable session of the partition. It never fails: a
// backend error yields an empty map and malformed entries are skipped.
func (c *Cache) Load(ctx context.Context, userID int64, kind models.Kind) map[string]*models.Session {
	out := make(map[string]*models.Session)
	raw, err := c.backend.List(ctx, userID, kind)
	if err != nil {
		c.logger.Warn("load session partition", "user_id", userID, "kind", kind, "err", err)
		return out
	}
	for id, payload := range raw {
		s, err := decode(payload, kind, id)
		if err != nil {
			c.logger.Warn("skip malformed session", "user_id", userID, "kind", kind, "session_id", id, "err", err)
			continue
		}
		out[id] = s
	}
	return out
}

// Get reads one session. Missing, unreadable and malformed entries all read
// as absent.
func (c *Cache) Get(ctx context.Context, userID int64, kind models.Kind, id string) (*models.Session, bool) {
	s, ok, err := c.lookup(ctx, userID, kind, id)
	if err != nil {
		c.logger.Warn("read session", "user_id", userID, "kind", kind, "session_id", id, "err", err)
		return nil, false
	}
	return s, ok
}

// lookup is Get for the write paths: a malformed entry reads as absent but a
// backend failure is returned so that a write never replaces a session it
// could not read.
func (c *Cache) lookup(ctx context.Context, userID int64, kind models.Kind, id string) (*models.Session, bool, error) {
	payload, ok, err := c.backend.Get(ctx, userID, kind, id)
	if err != nil {
		return nil, false, fmt.Errorf("read session: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	s, err := decode(payload, kind, id)
	if err != nil {
		c.logger.Warn("skip malformed session", "user_id", userID, "kind", kind, "session_id", id, "err", err)
		return nil, false, nil
	}
	return s, true, nil
}

// Save upserts one session and returns the stored copy. updated_at is
// stamped with the current time, clamped so it never moves backwards.
func (c *Cache) Save(ctx context.Context, userID int64, kind models.Kind, id string, s *models.Session) (*models.Session, error) {
	if s == nil {
		return nil, errors.New("session required")
	}
	unlock := c.locks.lock(lockKey(userID, kind, id))
	defer unlock()
	return c.save(ctx, userID, kind, id, s)
}

func (c *Cache) save(ctx context.Context, userID int64, kind models.Kind, id string, s *models.Session) (*models.Session, error) {
	if userID <= 0 {
		return nil, errors.New("invalid user id")
	}
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	if s.Kind != "" && s.Kind != kind {
		return nil, fmt.Errorf("%w: session %s into %s", models.ErrRecordKind, s.Kind, kind)
	}

	stored := s.Clone()
	stored.ID = id
	stored.Kind = kind

	now := c.now().UTC()
	prev, exists, err := c.lookup(ctx, userID, kind, id)
	if err != nil {
		return nil, err
	}
	if stored.CreatedAt.IsZero() {
		if exists && !prev.CreatedAt.IsZero() {
			stored.CreatedAt = prev.CreatedAt
		} else {
			stored.CreatedAt = now
		}
	}
	updated := now
	if exists && prev.UpdatedAt.After(updated) {
		updated = prev.UpdatedAt
	}
	if stored.CreatedAt.After(updated) {
		updated = stored.CreatedAt
	}
	stored.UpdatedAt = updated

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := c.backend.Put(ctx, userID, kind, stored, payload); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return stored, nil
}

// Delete removes one session; deleting an absent session is not an error.
func (c *Cache) Delete(ctx context.Context, userID int64, kind models.Kind, id string) error {
	unlock := c.locks.lock(lockKey(userID, kind, id))
	defer unlock()
	if err := c.backend.Delete(ctx, userID, kind, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendRecord adds r to the session, creating it when missing. Appends to
// the same session are applied in call order.
func (c *Cache) AppendRecord(ctx context.Context, userID int64, kind models.Kind, id string, r models.Record) (*models.Session, error) {
	unlock := c.locks.lock(lockKey(userID, kind, id))
	defer unlock()

	s, ok, err := c.lookup(ctx, userID, kind, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		s = &models.Session{ID: id, Kind: kind}
	}
	if err := s.Append(r); err != nil {
		return nil, err
	}
	return c.save(ctx, userID, kind, id, s)
}

// DeleteUser drops every partition of the user.
func (c *Cache) DeleteUser(ctx context.Context, userID int64) error {
	if err := c.backend.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}
	return nil
}

func decode(payload []byte, kind models.Kind, id string) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		s.ID = id
	}
	if s.ID != id {
		return nil, fmt.Errorf("payload id %q does not match key", s.ID)
	}
	if s.Kind == "" {
		s.Kind = kind
	}
	if s.Kind != kind {
		return nil, fmt.Errorf("payload kind %q does not match partition", s.Kind)
	}
	return &s, nil
}

func lockKey(userID int64, kind models.Kind, id string) string {
	return strconv.FormatInt(userID, 10) + "/" + string(kind) + "/" + id
}

// keyLocks hands out one mutex per key and forgets it once nobody holds it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
