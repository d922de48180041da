package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"questro/internal/models"
)

func newTestManager(t *testing.T, maxWorkers, queueSize int) *Manager {
	t.Helper()
	m := NewManager(DispatcherConfig{
		MinWorkers:  1,
		MaxWorkers:  maxWorkers,
		QueueSize:   queueSize,
		IdleTimeout: time.Minute,
	}, nil)
	t.Cleanup(m.Close)
	return m
}

// blockingTask returns a task that signals started and waits for release.
func blockingTask() (Task, chan struct{}, chan struct{}) {
	started := make(chan struct{})
	release := make(chan struct{})
	return func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, started, release
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func submitAsync(m *Manager, ctx context.Context, userID int64, kind models.Kind, task Task) <-chan error {
	out := make(chan error, 1)
	go func() { out <- m.Submit(ctx, userID, kind, task) }()
	return out
}

func TestManagerReturnsTaskResult(t *testing.T) {
	m := newTestManager(t, 2, 8)
	want := errors.New("provider down")
	if err := m.Submit(context.Background(), 1, models.KindChat, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("Submit error = %v, want %v", err, want)
	}
	if err := m.Submit(context.Background(), 1, models.KindChat, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if m.InFlight(1, models.KindChat) {
		t.Fatalf("busy flag should be cleared after completion")
	}
}

func TestManagerRecoversPanics(t *testing.T) {
	m := newTestManager(t, 1, 8)
	err := m.Submit(context.Background(), 1, models.KindChat, func(context.Context) error { panic("boom") })
	if err == nil {
		t.Fatalf("expected error from panicking task")
	}
	if err := m.Submit(context.Background(), 1, models.KindChat, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("pool should keep working after a panic: %v", err)
	}
}

func TestManagerRejectsConcurrentSameKind(t *testing.T) {
	m := newTestManager(t, 2, 8)
	task, started, release := blockingTask()
	first := submitAsync(m, context.Background(), 7, models.KindPDFMCQ, task)
	<-started

	if !m.InFlight(7, models.KindPDFMCQ) {
		t.Fatalf("expected pdf-mcq in flight")
	}
	err := m.Submit(context.Background(), 7, models.KindPDFMCQ, func(context.Context) error { return nil })
	if !errors.Is(err, ErrUserBusy) {
		t.Fatalf("second submit error = %v, want ErrUserBusy", err)
	}

	// other kinds and other users are unaffected
	if err := m.Submit(context.Background(), 7, models.KindChat, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("chat submit error: %v", err)
	}
	if err := m.Submit(context.Background(), 8, models.KindPDFMCQ, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("other user submit error: %v", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first submit error: %v", err)
	}
	if err := m.Submit(context.Background(), 7, models.KindPDFMCQ, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("submit after completion error: %v", err)
	}
}

func TestManagerQueueFull(t *testing.T) {
	m := newTestManager(t, 1, 1)
	task, started, release := blockingTask()
	first := submitAsync(m, context.Background(), 1, models.KindChat, task)
	<-started

	queued := submitAsync(m, context.Background(), 2, models.KindChat, func(context.Context) error { return nil })
	waitFor(t, "queued job", func() bool { return m.Stats().Pending == 1 })

	err := m.Submit(context.Background(), 3, models.KindChat, func(context.Context) error { return nil })
	if !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("submit error = %v, want ErrDispatcherBusy", err)
	}
	if m.InFlight(3, models.KindChat) {
		t.Fatalf("rejected submit must not leave a busy flag")
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first submit error: %v", err)
	}
	if err := <-queued; err != nil {
		t.Fatalf("queued submit error: %v", err)
	}
}

func TestManagerRotatesBetweenUsers(t *testing.T) {
	m := newTestManager(t, 1, 8)
	task, started, release := blockingTask()
	first := submitAsync(m, context.Background(), 1, models.KindChat, task)
	<-started

	var mu sync.Mutex
	var order []string
	record := func(name string) Task {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	var results []<-chan error
	steps := []struct {
		user int64
		kind models.Kind
		name string
	}{
		{1, models.KindPDFMCQ, "u1-mcq"},
		{1, models.KindImageSolver, "u1-image"},
		{2, models.KindChat, "u2-chat"},
	}
	for i, s := range steps {
		results = append(results, submitAsync(m, context.Background(), s.user, s.kind, record(s.name)))
		want := i + 1
		waitFor(t, s.name+" queued", func() bool { return m.Stats().Pending == want })
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first submit error: %v", err)
	}
	for _, ch := range results {
		if err := <-ch; err != nil {
			t.Fatalf("queued submit error: %v", err)
		}
	}
	want := []string{"u1-mcq", "u2-chat", "u1-image"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("run order = %v, want %v", order, want)
		}
	}
}

func TestManagerSkipsCanceledJobs(t *testing.T) {
	m := newTestManager(t, 1, 8)
	task, started, release := blockingTask()
	first := submitAsync(m, context.Background(), 1, models.KindChat, task)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	queued := submitAsync(m, ctx, 2, models.KindChat, func(context.Context) error {
		ran = true
		return nil
	})
	waitFor(t, "queued job", func() bool { return m.Stats().Pending == 1 })
	cancel()
	close(release)

	if err := <-first; err != nil {
		t.Fatalf("first submit error: %v", err)
	}
	if err := <-queued; !errors.Is(err, context.Canceled) {
		t.Fatalf("queued submit error = %v, want context.Canceled", err)
	}
	if ran {
		t.Fatalf("canceled job should not run")
	}
}

func TestManagerResetUserDropsQueuedJobs(t *testing.T) {
	m := newTestManager(t, 1, 8)
	task, started, release := blockingTask()
	first := submitAsync(m, context.Background(), 1, models.KindChat, task)
	<-started

	a := submitAsync(m, context.Background(), 2, models.KindChat, func(context.Context) error { return nil })
	waitFor(t, "first queued job", func() bool { return m.Stats().Pending == 1 })
	b := submitAsync(m, context.Background(), 2, models.KindPDFMCQ, func(context.Context) error { return nil })
	waitFor(t, "second queued job", func() bool { return m.Stats().Pending == 2 })

	m.ResetUser(2)
	for _, ch := range []<-chan error{a, b} {
		if err := <-ch; !errors.Is(err, ErrCanceled) {
			t.Fatalf("reset job error = %v, want ErrCanceled", err)
		}
	}
	if m.InFlight(2, models.KindChat) || m.InFlight(2, models.KindPDFMCQ) {
		t.Fatalf("reset must clear busy flags")
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("running job should finish: %v", err)
	}
}

func TestManagerCloseFailsQueuedJobs(t *testing.T) {
	m := NewManager(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4}, nil)
	task, started, release := blockingTask()
	first := submitAsync(m, context.Background(), 1, models.KindChat, task)
	<-started
	queued := submitAsync(m, context.Background(), 2, models.KindChat, func(context.Context) error { return nil })
	waitFor(t, "queued job", func() bool { return m.Stats().Pending == 1 })

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	if err := <-queued; !errors.Is(err, ErrStopped) {
		t.Fatalf("queued submit error = %v, want ErrStopped", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("running job error: %v", err)
	}
	<-closed

	if err := m.Submit(context.Background(), 3, models.KindChat, func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after close error = %v, want ErrStopped", err)
	}
}
