// Package spots реализует распределитель фиксированного набора парковочных мест.
package spots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNoFreeSpot возвращается, когда свободных мест нет вовсе.
var ErrNoFreeSpot = errors.New("no free parking spot")

// ErrNoSpotForWindow возвращается, когда места существуют, но ни одно не
// свободно на весь запрошенный интервал времени.
var ErrNoSpotForWindow = errors.New("no spot available for that time slot")

// Store описывает операции хранилища, необходимые распределителю мест.
type Store interface {
	// CountSpots возвращает общее число записей о местах.
	CountSpots(ctx context.Context) (int, error)
	// CreateSpots создаёт записи о местах с номерами 1..total, все свободные.
	CreateSpots(ctx context.Context, total int) error
	// CountFreeSpots возвращает число незанятых мест.
	CountFreeSpots(ctx context.Context) (int, error)
	// ClaimLowestFreeSpot атомарно помечает занятым свободное место с
	// наименьшим номером и возвращает его номер; ErrNoFreeSpot, если таких нет.
	ClaimLowestFreeSpot(ctx context.Context) (int, error)
	// ClaimSpotForWindow помечает занятым место с наименьшим номером, у
	// которого нет открытой сессии с пересекающимся интервалом
	// [start, end); ErrNoSpotForWindow, если такого места нет.
	ClaimSpotForWindow(ctx context.Context, start, end time.Time) (int, error)
	// ReleaseSpot помечает место свободным, если на него больше не ссылается
	// ни одна открытая сессия. Повторный вызов для свободного места — no-op.
	ReleaseSpot(ctx context.Context, spotID int) error
}

// Allocator отвечает за занятость парковочных мест. Единственный владелец
// записей о занятости: все изменения флага occupied проходят через него либо
// через транзакции переходов сессий в хранилище.
type Allocator struct {
	store  Store
	total  int
	logger *zap.Logger
}

// NewAllocator создаёт распределитель для total мест.
func NewAllocator(store Store, total int, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{
		store:  store,
		total:  total,
		logger: logger,
	}
}

// Total возвращает общее число мест парковки.
func (a *Allocator) Total() int {
	return a.total
}

// Initialize создаёт записи о местах, если их ещё нет. Повторный запуск
// процесса оставляет существующие записи без изменений.
func (a *Allocator) Initialize(ctx context.Context) error {
	count, err := a.store.CountSpots(ctx)
	if err != nil {
		return fmt.Errorf("count spots: %w", err)
	}
	if count > 0 {
		return nil
	}

	if err := a.store.CreateSpots(ctx, a.total); err != nil {
		return fmt.Errorf("create spots: %w", err)
	}

	a.logger.Info("initialized parking spots", zap.Int("total", a.total))
	return nil
}

// AvailableCount возвращает число свободных мест.
func (a *Allocator) AvailableCount(ctx context.Context) (int, error) {
	return a.store.CountFreeSpots(ctx)
}

// OccupiedCount возвращает число занятых мест.
func (a *Allocator) OccupiedCount(ctx context.Context) (int, error) {
	free, err := a.store.CountFreeSpots(ctx)
	if err != nil {
		return 0, err
	}
	return a.total - free, nil
}

// IsFull сообщает, заняты ли все места.
func (a *Allocator) IsFull(ctx context.Context) (bool, error) {
	free, err := a.store.CountFreeSpots(ctx)
	if err != nil {
		return false, err
	}
	return free == 0, nil
}

// AllocateAny занимает свободное место с наименьшим номером.
func (a *Allocator) AllocateAny(ctx context.Context) (int, error) {
	return a.store.ClaimLowestFreeSpot(ctx)
}

// AllocateForWindow занимает место с наименьшим номером, свободное на весь
// интервал [start, end). Вызовы сериализуются владельцем (Reservation Engine).
func (a *Allocator) AllocateForWindow(ctx context.Context, start, end time.Time) (int, error) {
	return a.store.ClaimSpotForWindow(ctx, start, end)
}

// Release освобождает место. Идемпотентен: освобождение уже свободного
// места не является ошибкой.
func (a *Allocator) Release(ctx context.Context, spotID int) error {
	if err := a.store.ReleaseSpot(ctx, spotID); err != nil {
		return fmt.Errorf("release spot %d: %w", spotID, err)
	}
	return nil
}
