package spots

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubStore struct {
	countSpots    int
	countSpotsErr error

	created    int
	createErr  error
	countFree  int
	claimedID  int
	claimErr   error
	windowID   int
	windowErr  error
	released   []int
	releaseErr error
}

func (s *stubStore) CountSpots(ctx context.Context) (int, error) {
	return s.countSpots, s.countSpotsErr
}

func (s *stubStore) CreateSpots(ctx context.Context, total int) error {
	s.created = total
	return s.createErr
}

func (s *stubStore) CountFreeSpots(ctx context.Context) (int, error) {
	return s.countFree, nil
}

func (s *stubStore) ClaimLowestFreeSpot(ctx context.Context) (int, error) {
	return s.claimedID, s.claimErr
}

func (s *stubStore) ClaimSpotForWindow(ctx context.Context, start, end time.Time) (int, error) {
	return s.windowID, s.windowErr
}

func (s *stubStore) ReleaseSpot(ctx context.Context, spotID int) error {
	s.released = append(s.released, spotID)
	return s.releaseErr
}

func TestInitialize_CreatesSpotsOnce(t *testing.T) {
	store := &stubStore{}
	a := NewAllocator(store, 10, zap.NewNop())

	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if store.created != 10 {
		t.Fatalf("created = %d, want 10", store.created)
	}
}

func TestInitialize_SkipsExistingSpots(t *testing.T) {
	store := &stubStore{countSpots: 10}
	a := NewAllocator(store, 10, zap.NewNop())

	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if store.created != 0 {
		t.Fatalf("created = %d, want 0 on restart", store.created)
	}
}

func TestOccupiedCount(t *testing.T) {
	store := &stubStore{countFree: 3}
	a := NewAllocator(store, 10, zap.NewNop())

	occupied, err := a.OccupiedCount(context.Background())
	if err != nil {
		t.Fatalf("occupied count: %v", err)
	}
	if occupied != 7 {
		t.Fatalf("occupied = %d, want 7", occupied)
	}
}

func TestIsFull(t *testing.T) {
	a := NewAllocator(&stubStore{countFree: 0}, 10, zap.NewNop())

	full, err := a.IsFull(context.Background())
	if err != nil {
		t.Fatalf("is full: %v", err)
	}
	if !full {
		t.Fatal("zero free spots must report full")
	}
}

func TestAllocateAny_PropagatesNoFreeSpot(t *testing.T) {
	a := NewAllocator(&stubStore{claimErr: ErrNoFreeSpot}, 10, zap.NewNop())

	_, err := a.AllocateAny(context.Background())
	if !errors.Is(err, ErrNoFreeSpot) {
		t.Fatalf("err = %v, want ErrNoFreeSpot", err)
	}
}

func TestAllocateForWindow_PropagatesNoSpotForWindow(t *testing.T) {
	a := NewAllocator(&stubStore{windowErr: ErrNoSpotForWindow}, 10, zap.NewNop())

	_, err := a.AllocateForWindow(context.Background(), time.Now(), time.Now().Add(time.Hour))
	if !errors.Is(err, ErrNoSpotForWindow) {
		t.Fatalf("err = %v, want ErrNoSpotForWindow", err)
	}
}

func TestRelease_WrapsStoreError(t *testing.T) {
	cause := errors.New("store down")
	a := NewAllocator(&stubStore{releaseErr: cause}, 10, zap.NewNop())

	err := a.Release(context.Background(), 3)
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}
