package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"questro/internal/models"
	"questro/internal/redis"
)

const inflightKeyPrefix = "questro:inflight:"

type busyKey struct {
	userID int64
	kind   models.Kind
}

// Manager runs AI calls on the shared worker pool and allows at most one
// call per user and kind at a time. With redis configured the busy flag is
// shared across instances.
type Manager struct {
	dispatcher *Dispatcher
	rdb        *redis.Client
	busyTTL    time.Duration

	mu       sync.Mutex
	inflight map[busyKey]struct{}
}

func NewManager(cfg DispatcherConfig, rdb *redis.Client) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		dispatcher: NewDispatcher(cfg),
		rdb:        rdb,
		busyTTL:    cfg.BusyTTL,
		inflight:   make(map[busyKey]struct{}),
	}
}

// Submit runs task on a pooled worker and waits for its result. It fails
// fast with ErrUserBusy when the user already has a call of the same kind
// in flight, and with ErrDispatcherBusy when the queue is full.
func (m *Manager) Submit(ctx context.Context, userID int64, kind models.Kind, task Task) error {
	release, err := m.acquire(ctx, userID, kind)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	job := Job{
		Type:   Run,
		UserID: userID,
		Kind:   kind,
		ctx:    ctx,
		task:   task,
		done:   done,
		finish: release,
	}
	if err := m.dispatcher.Submit(job); err != nil {
		release()
		return err
	}
	// the task observes ctx itself, so wait for it to return
	return <-done
}

// InFlight reports whether this instance is running a call for the pair.
func (m *Manager) InFlight(userID int64, kind models.Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[busyKey{userID, kind}]
	return ok
}

// ResetUser drops every queued job of the user. Running jobs are left to
// finish on their own.
func (m *Manager) ResetUser(userID int64) {
	for _, job := range m.dispatcher.CancelUser(userID) {
		job.complete(ErrCanceled)
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int `json:"workers"`
	Idle    int `json:"idle"`
	Pending int `json:"pending"`
}

func (m *Manager) Stats() Stats {
	running, idle := m.dispatcher.pool.size()
	return Stats{Workers: running, Idle: idle, Pending: m.dispatcher.Pending()}
}

// Close stops the pool. Queued jobs fail with ErrStopped.
func (m *Manager) Close() {
	m.dispatcher.Stop()
}

func (m *Manager) acquire(ctx context.Context, userID int64, kind models.Kind) (func(), error) {
	key := busyKey{userID, kind}
	m.mu.Lock()
	if _, busy := m.inflight[key]; busy {
		m.mu.Unlock()
		return nil, ErrUserBusy
	}
	m.inflight[key] = struct{}{}
	m.mu.Unlock()

	shared := false
	if m.rdb != nil {
		ok, err := m.rdb.SetNX(ctx, inflightKey(userID, kind), time.Now().UnixMilli(), m.busyTTL)
		switch {
		case err != nil:
			slog.Warn("shared busy flag unavailable", "user_id", userID, "kind", kind, "error", err)
		case !ok:
			m.clear(key)
			return nil, ErrUserBusy
		default:
			shared = true
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.clear(key)
			if shared {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := m.rdb.Del(ctx, inflightKey(userID, kind)); err != nil {
					slog.Warn("release shared busy flag", "user_id", userID, "kind", kind, "error", err)
				}
			}
		})
	}, nil
}

func (m *Manager) clear(key busyKey) {
	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
}

func inflightKey(userID int64, kind models.Kind) string {
	return fmt.Sprintf("%s%d:%s", inflightKeyPrefix, userID, kind)
}
