package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bpark-system/internal/model"
	"github.com/mmeshcher/bpark-system/internal/storage"
)

type stubNotifier struct {
	mu        sync.Mutex
	cancelled []int64
	latePicks []int64
}

func (n *stubNotifier) ReservationCancelled(ctx context.Context, user *model.User, code int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, code)
	return nil
}

func (n *stubNotifier) LatePickup(ctx context.Context, user *model.User, code int64, estimatedEnd time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latePicks = append(n.latePicks, code)
	return nil
}

var sweepNow = time.Date(2026, 3, 2, 9, 16, 0, 0, time.UTC)

func newTestMonitor(t *testing.T, store Store, now time.Time) (*Monitor, *stubNotifier) {
	t.Helper()

	notifier := &stubNotifier{}
	m := New(store, notifier, time.Minute, 15*time.Minute, zap.NewNop())
	m.now = func() time.Time { return now }
	return m, notifier
}

func seedUser(t *testing.T, store *storage.Memory) int64 {
	t.Helper()
	return store.AddUser(model.User{Username: "alice", Name: "Alice", Email: "alice@example.com"})
}

func seedSpots(t *testing.T, store *storage.Memory, total int) {
	t.Helper()
	if err := store.CreateSpots(context.Background(), total); err != nil {
		t.Fatalf("create spots: %v", err)
	}
}

func addPreorder(t *testing.T, store *storage.Memory, userID int64, start time.Time) int64 {
	t.Helper()

	spotID, err := store.ClaimSpotForWindow(context.Background(), start, start.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("claim spot: %v", err)
	}
	code, err := store.CreateSession(context.Background(), &model.Session{
		UserID:         userID,
		SpotID:         spotID,
		PlacedAt:       start.Add(-24 * time.Hour),
		EstimatedStart: start,
		EstimatedEnd:   start.Add(4 * time.Hour),
		Ordered:        true,
		Status:         model.StatusPreorder,
	})
	if err != nil {
		t.Fatalf("create preorder: %v", err)
	}
	return code
}

func addActive(t *testing.T, store *storage.Memory, userID int64, start, end time.Time) int64 {
	t.Helper()

	spotID, err := store.ClaimLowestFreeSpot(context.Background())
	if err != nil {
		t.Fatalf("claim spot: %v", err)
	}
	actual := start
	code, err := store.CreateSession(context.Background(), &model.Session{
		UserID:         userID,
		SpotID:         spotID,
		PlacedAt:       start,
		EstimatedStart: start,
		EstimatedEnd:   end,
		ActualStart:    &actual,
		Status:         model.StatusActive,
	})
	if err != nil {
		t.Fatalf("create active session: %v", err)
	}
	return code
}

func TestSweep_CancelsOverduePreorders(t *testing.T) {
	store := storage.NewMemory()
	userID := seedUser(t, store)
	seedSpots(t, store, 10)

	// Старт в 09:00, проход в 09:16 — просрочка 16 минут, бронь отменяется.
	overdue := addPreorder(t, store, userID, sweepNow.Add(-16*time.Minute))
	// Старт в 09:06 — просрочка 10 минут, бронь ещё в льготном окне.
	fresh := addPreorder(t, store, userID, sweepNow.Add(-10*time.Minute))
	// Старт завтра — вне сегодняшнего дня, проход её не трогает.
	tomorrow := addPreorder(t, store, userID, sweepNow.Add(24*time.Hour))

	m, notifier := newTestMonitor(t, store, sweepNow)
	m.Sweep(context.Background())

	assertStatus(t, store, overdue, model.StatusCancelled)
	assertStatus(t, store, fresh, model.StatusPreorder)
	assertStatus(t, store, tomorrow, model.StatusPreorder)

	free, err := store.CountFreeSpots(context.Background())
	if err != nil {
		t.Fatalf("count free spots: %v", err)
	}
	if free != 8 {
		t.Fatalf("free after sweep = %d, want 8 (cancelled spot released)", free)
	}

	if len(notifier.cancelled) != 1 || notifier.cancelled[0] != overdue {
		t.Fatalf("cancellation notifications = %v, want [%d]", notifier.cancelled, overdue)
	}
}

func TestSweep_ExactGraceBoundaryCancelled(t *testing.T) {
	store := storage.NewMemory()
	userID := seedUser(t, store)
	seedSpots(t, store, 10)

	// Просрочка ровно в порог попадает под автоотмену.
	code := addPreorder(t, store, userID, sweepNow.Add(-15*time.Minute))

	m, _ := newTestMonitor(t, store, sweepNow)
	m.Sweep(context.Background())

	assertStatus(t, store, code, model.StatusCancelled)
}

func TestSweep_FlagsOverdueActives(t *testing.T) {
	store := storage.NewMemory()
	userID := seedUser(t, store)
	seedSpots(t, store, 10)

	// Расчётный конец в 09:00, проход в 09:16 — сессия помечается опаздывающей.
	overdue := addActive(t, store, userID,
		sweepNow.Add(-4*time.Hour), sweepNow.Add(-16*time.Minute))
	// Расчётный конец в 09:06 — ещё в пределах порога.
	fresh := addActive(t, store, userID,
		sweepNow.Add(-4*time.Hour), sweepNow.Add(-10*time.Minute))

	m, notifier := newTestMonitor(t, store, sweepNow)
	m.Sweep(context.Background())

	sess, err := store.SessionByCode(context.Background(), overdue)
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if !sess.Late || sess.Status != model.StatusActive {
		t.Fatalf("session = %+v, want active and late", sess)
	}

	other, err := store.SessionByCode(context.Background(), fresh)
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if other.Late {
		t.Fatal("session within threshold must not be flagged")
	}

	// Место опаздывающей сессии остаётся занятым.
	free, err := store.CountFreeSpots(context.Background())
	if err != nil {
		t.Fatalf("count free spots: %v", err)
	}
	if free != 8 {
		t.Fatalf("free after sweep = %d, want 8", free)
	}

	if len(notifier.latePicks) != 1 || notifier.latePicks[0] != overdue {
		t.Fatalf("late pickup notifications = %v, want [%d]", notifier.latePicks, overdue)
	}
}

func TestSweep_NoRepeatedLateNotifications(t *testing.T) {
	store := storage.NewMemory()
	userID := seedUser(t, store)
	seedSpots(t, store, 10)

	addActive(t, store, userID, sweepNow.Add(-5*time.Hour), sweepNow.Add(-time.Hour))

	m, notifier := newTestMonitor(t, store, sweepNow)
	m.Sweep(context.Background())
	m.Sweep(context.Background())
	m.Sweep(context.Background())

	if len(notifier.latePicks) != 1 {
		t.Fatalf("late pickup notifications = %d, want exactly 1", len(notifier.latePicks))
	}
}

func TestSweep_ConvergesInOnePass(t *testing.T) {
	store := storage.NewMemory()
	userID := seedUser(t, store)
	seedSpots(t, store, 10)

	var preorders, actives []int64
	for i := 0; i < 3; i++ {
		preorders = append(preorders, addPreorder(t, store, userID, sweepNow.Add(-time.Hour)))
	}
	for i := 0; i < 2; i++ {
		actives = append(actives, addActive(t, store, userID,
			sweepNow.Add(-6*time.Hour), sweepNow.Add(-2*time.Hour)))
	}

	m, notifier := newTestMonitor(t, store, sweepNow)
	m.Sweep(context.Background())

	for _, code := range preorders {
		assertStatus(t, store, code, model.StatusCancelled)
	}
	for _, code := range actives {
		sess, err := store.SessionByCode(context.Background(), code)
		if err != nil {
			t.Fatalf("session lookup: %v", err)
		}
		if !sess.Late {
			t.Fatalf("session %d must be flagged late", code)
		}
	}

	if len(notifier.cancelled) != 3 || len(notifier.latePicks) != 2 {
		t.Fatalf("notifications = %d cancelled / %d late, want 3/2",
			len(notifier.cancelled), len(notifier.latePicks))
	}
}

// failingStore симулирует сбой перехода для одной из сессий.
type failingStore struct {
	*storage.Memory
	failCode int64
}

func (s *failingStore) CancelSession(ctx context.Context, code int64) error {
	if code == s.failCode {
		return errors.New("transition failed")
	}
	return s.Memory.CancelSession(ctx, code)
}

func TestSweep_SingleFailureDoesNotStopPass(t *testing.T) {
	store := storage.NewMemory()
	userID := seedUser(t, store)
	seedSpots(t, store, 10)

	first := addPreorder(t, store, userID, sweepNow.Add(-time.Hour))
	second := addPreorder(t, store, userID, sweepNow.Add(-time.Hour))

	failing := &failingStore{Memory: store, failCode: first}
	m, notifier := newTestMonitor(t, failing, sweepNow)
	m.Sweep(context.Background())

	assertStatus(t, store, first, model.StatusPreorder)
	assertStatus(t, store, second, model.StatusCancelled)

	if len(notifier.cancelled) != 1 || notifier.cancelled[0] != second {
		t.Fatalf("cancellation notifications = %v, want [%d]", notifier.cancelled, second)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	store := storage.NewMemory()
	m, _ := newTestMonitor(t, store, sweepNow)

	m.Start()
	m.Start()

	m.Stop()
	m.Stop()

	// Монитор можно запустить заново после остановки.
	m.Start()
	m.Stop()
}

func assertStatus(t *testing.T, store *storage.Memory, code int64, want model.SessionStatus) {
	t.Helper()

	sess, err := store.SessionByCode(context.Background(), code)
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if sess.Status != want {
		t.Fatalf("session %d status = %s, want %s", code, sess.Status, want)
	}
}
