package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/bpark-system/internal/model"
	"github.com/mmeshcher/bpark-system/internal/spots"
)

// Memory реализует хранилище в памяти процесса. Семантика операций совпадает
// с PostgresStorage: условные переходы статусов, освобождение места в одной
// критической секции с переходом. Используется тестами и режимом запуска без БД.
type Memory struct {
	mu       sync.Mutex
	spots    map[int]*model.Spot
	sessions map[int64]*model.Session
	users    map[int64]*model.User
	nextCode int64
	nextUser int64
}

// NewMemory создаёт пустое хранилище в памяти.
func NewMemory() *Memory {
	return &Memory{
		spots:    make(map[int]*model.Spot),
		sessions: make(map[int64]*model.Session),
		users:    make(map[int64]*model.User),
	}
}

// Close освобождает ресурсы хранилища. Для памяти — no-op.
func (m *Memory) Close() error {
	return nil
}

// AddUser регистрирует абонента и возвращает его идентификатор.
// Создание учётных записей — внешняя по отношению к ядру операция,
// метод нужен тестам и посеву демо-данных.
func (m *Memory) AddUser(u model.User) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextUser++
	u.ID = m.nextUser
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.users[u.ID] = &u
	return u.ID
}

// UserByID возвращает абонента по идентификатору.
func (m *Memory) UserByID(ctx context.Context, id int64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// UserByUsername возвращает абонента по имени пользователя.
func (m *Memory) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

// CountSpots возвращает общее число записей о местах.
func (m *Memory) CountSpots(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spots), nil
}

// CreateSpots создаёт места с номерами 1..total, все свободные.
func (m *Memory) CreateSpots(ctx context.Context, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 1; i <= total; i++ {
		if _, ok := m.spots[i]; !ok {
			m.spots[i] = &model.Spot{ID: i}
		}
	}
	return nil
}

// CountFreeSpots возвращает число незанятых мест.
func (m *Memory) CountFreeSpots(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := 0
	for _, s := range m.spots {
		if !s.Occupied {
			free++
		}
	}
	return free, nil
}

// ClaimLowestFreeSpot помечает занятым свободное место с наименьшим номером.
func (m *Memory) ClaimLowestFreeSpot(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.spotIDs() {
		if !m.spots[id].Occupied {
			m.spots[id].Occupied = true
			return id, nil
		}
	}
	return 0, spots.ErrNoFreeSpot
}

// ClaimSpotForWindow помечает занятым место с наименьшим номером, у которого
// нет открытой сессии, пересекающейся с интервалом [start, end).
func (m *Memory) ClaimSpotForWindow(ctx context.Context, start, end time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requested := model.Window{Start: start, End: end}

	for _, id := range m.spotIDs() {
		if m.spotFreeForWindowLocked(id, requested) {
			m.spots[id].Occupied = true
			return id, nil
		}
	}
	return 0, spots.ErrNoSpotForWindow
}

func (m *Memory) spotFreeForWindowLocked(spotID int, requested model.Window) bool {
	for _, s := range m.sessions {
		if s.SpotID != spotID || !s.Open() {
			continue
		}
		if s.SessionWindow().Overlaps(requested) {
			return false
		}
	}
	return true
}

// ReleaseSpot освобождает место, если на него не ссылается ни одна открытая
// сессия. Повторное освобождение свободного места — no-op.
func (m *Memory) ReleaseSpot(ctx context.Context, spotID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseSpotLocked(spotID)
	return nil
}

func (m *Memory) releaseSpotLocked(spotID int) {
	sp, ok := m.spots[spotID]
	if !ok {
		return
	}
	for _, s := range m.sessions {
		if s.SpotID == spotID && s.Open() {
			return
		}
	}
	sp.Occupied = false
}

func (m *Memory) spotIDs() []int {
	ids := make([]int, 0, len(m.spots))
	for id := range m.spots {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// CreateSession сохраняет сессию и возвращает назначенный хранилищем код.
func (m *Memory) CreateSession(ctx context.Context, s *model.Session) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCode++
	cp := *s
	cp.Code = m.nextCode
	m.sessions[cp.Code] = &cp
	return cp.Code, nil
}

// SessionByCode возвращает сессию по коду.
func (m *Memory) SessionByCode(ctx context.Context, code int64) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

// ActivateSession переводит бронь в активную сессию при условии, что она всё
// ещё в статусе preorder.
func (m *Memory) ActivateSession(ctx context.Context, code int64, startedAt time.Time, late bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != model.StatusPreorder {
		return ErrWrongState
	}

	t := startedAt
	s.Status = model.StatusActive
	s.ActualStart = &t
	s.Late = late
	return nil
}

// CancelSession отменяет бронь или активную сессию и в той же критической
// секции освобождает место, если других открытых сессий на нём не осталось.
func (m *Memory) CancelSession(ctx context.Context, code int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return ErrSessionNotFound
	}
	if !s.Open() {
		return ErrWrongState
	}

	s.Status = model.StatusCancelled
	m.releaseSpotLocked(s.SpotID)
	return nil
}

// FinishSession завершает активную сессию, фиксирует фактическое время выезда
// и освобождает место.
func (m *Memory) FinishSession(ctx context.Context, code int64, endedAt time.Time, late bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != model.StatusActive || s.ActualEnd != nil {
		return ErrWrongState
	}

	t := endedAt
	s.Status = model.StatusFinished
	s.ActualEnd = &t
	s.Late = s.Late || late
	m.releaseSpotLocked(s.SpotID)
	return nil
}

// ExtendSession продлевает расчётное время выезда активной сессии и
// возвращает новое значение.
func (m *Memory) ExtendSession(ctx context.Context, code int64, extra time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return time.Time{}, ErrSessionNotFound
	}
	if s.Status != model.StatusActive || s.ActualEnd != nil {
		return time.Time{}, ErrWrongState
	}

	s.EstimatedEnd = s.EstimatedEnd.Add(extra)
	s.Extended = true
	return s.EstimatedEnd, nil
}

// SessionsByUser возвращает историю сессий абонента, новые первыми.
func (m *Memory) SessionsByUser(ctx context.Context, userID int64) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			res = append(res, *s)
		}
	}
	sortSessionsDesc(res)
	return res, nil
}

// ActiveSessions возвращает все активные сессии, новые первыми.
func (m *Memory) ActiveSessions(ctx context.Context) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Session
	for _, s := range m.sessions {
		if s.Status == model.StatusActive {
			res = append(res, *s)
		}
	}
	sortSessionsDesc(res)
	return res, nil
}

// OverduePreorders возвращает брони, запланированные на сегодня, чей расчётный
// старт просрочен не менее чем на threshold.
func (m *Memory) OverduePreorders(ctx context.Context, now time.Time, threshold time.Duration) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Session
	for _, s := range m.sessions {
		if s.Status != model.StatusPreorder {
			continue
		}
		if !sameDay(s.EstimatedStart, now) {
			continue
		}
		if now.Sub(s.EstimatedStart) >= threshold {
			res = append(res, *s)
		}
	}
	sortSessionsDesc(res)
	return res, nil
}

// OverdueActiveSessions возвращает активные сессии без фактического выезда,
// ещё не помеченные опаздывающими, чей расчётный конец просрочен не менее
// чем на threshold.
func (m *Memory) OverdueActiveSessions(ctx context.Context, now time.Time, threshold time.Duration) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Session
	for _, s := range m.sessions {
		if s.Status != model.StatusActive || s.ActualEnd != nil || s.Late {
			continue
		}
		if now.Sub(s.EstimatedEnd) >= threshold {
			res = append(res, *s)
		}
	}
	sortSessionsDesc(res)
	return res, nil
}

// MarkSessionLate помечает активную сессию опаздывающей. Место остаётся
// занятым: автомобиль всё ещё может стоять на парковке.
func (m *Memory) MarkSessionLate(ctx context.Context, code int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != model.StatusActive || s.ActualEnd != nil || s.Late {
		return ErrWrongState
	}

	s.Late = true
	return nil
}

func sortSessionsDesc(sessions []model.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].PlacedAt.Equal(sessions[j].PlacedAt) {
			return sessions[i].Code > sessions[j].Code
		}
		return sessions[i].PlacedAt.After(sessions[j].PlacedAt)
	})
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
