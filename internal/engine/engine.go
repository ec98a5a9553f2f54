// Package engine реализует бизнес-логику резервирования парковочных мест:
// машину состояний сессий, политику минимальной доступности и проверку
// пересечения интервалов бронирования.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bpark-system/internal/model"
	"github.com/mmeshcher/bpark-system/internal/spots"
	"github.com/mmeshcher/bpark-system/internal/storage"
)

// ErrBelowThreshold возвращается, когда свободных мест меньше минимальной
// доли, гарантированной спонтанным посетителям: новые брони не принимаются.
var (
	ErrBelowThreshold = errors.New("not enough free spots to accept a reservation")
	// ErrInvalidTimeWindow возвращается для некорректного или выходящего за
	// допустимые границы интервала бронирования.
	ErrInvalidTimeWindow = errors.New("invalid reservation time window")
	// ErrInvalidExtension возвращается для продления вне допустимых границ.
	ErrInvalidExtension = errors.New("invalid extension duration")
	// ErrGraceExpired возвращается при попытке активировать бронь после
	// окончания льготного окна; бронь при этом отменяется.
	ErrGraceExpired = errors.New("reservation grace period expired")
)

// SessionStore описывает операции хранилища над парковочными сессиями.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.Session) (int64, error)
	SessionByCode(ctx context.Context, code int64) (*model.Session, error)
	ActivateSession(ctx context.Context, code int64, startedAt time.Time, late bool) error
	CancelSession(ctx context.Context, code int64) error
	FinishSession(ctx context.Context, code int64, endedAt time.Time, late bool) error
	ExtendSession(ctx context.Context, code int64, extra time.Duration) (time.Time, error)
	SessionsByUser(ctx context.Context, userID int64) ([]model.Session, error)
	ActiveSessions(ctx context.Context) ([]model.Session, error)
}

// UserStore описывает доступ к данным абонентов (только чтение: учётные
// записи создаются вне ядра).
type UserStore interface {
	UserByID(ctx context.Context, id int64) (*model.User, error)
	UserByUsername(ctx context.Context, username string) (*model.User, error)
}

// Notifier описывает внешнюю возможность отправки уведомлений. Сбои доставки
// логируются и никогда не превращаются в ошибку операции бронирования.
type Notifier interface {
	ReservationConfirmed(ctx context.Context, user *model.User, code int64, start, end time.Time) error
	ReservationCancelled(ctx context.Context, user *model.User, code int64) error
	ExtensionConfirmed(ctx context.Context, user *model.User, code int64, newEnd time.Time) error
	LatePickup(ctx context.Context, user *model.User, code int64, estimatedEnd time.Time) error
	NormalExit(ctx context.Context, user *model.User, code int64, exitedAt time.Time) error
}

// Settings задаёт политики резервирования. Значения фиксируются на старте.
type Settings struct {
	ReserveThreshold  float64
	MinAdvance        time.Duration
	MaxAdvance        time.Duration
	DefaultDuration   time.Duration
	GracePeriod       time.Duration
	MinExtensionHours int
	MaxExtensionHours int
}

// Engine владеет жизненным циклом парковочных сессий. Все записи сессий
// проходят через него; занятость мест — через распределитель либо через
// транзакции переходов в хранилище.
type Engine struct {
	sessions  SessionStore
	users     UserStore
	allocator *spots.Allocator
	notifier  Notifier
	settings  Settings
	logger    *zap.Logger

	// Сериализует критическую секцию создания брони: подбор места под
	// интервал и вставку сессии. Ядро предполагает единственный экземпляр
	// распределителя, поэтому мьютекса процесса достаточно.
	reserveMu sync.Mutex

	now func() time.Time
}

// NewEngine создаёт движок резервирования.
func NewEngine(sessions SessionStore, users UserStore, allocator *spots.Allocator, notifier Notifier, settings Settings, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		sessions:  sessions,
		users:     users,
		allocator: allocator,
		notifier:  notifier,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
}

// reserveThreshold возвращает минимум свободных мест для приёма новой брони.
func (e *Engine) reserveThreshold() int {
	return int(math.Ceil(float64(e.allocator.Total()) * e.settings.ReserveThreshold))
}

// ReserveResult описывает успешно созданную бронь.
type ReserveResult struct {
	Code   int64
	SpotID int
	Start  time.Time
	End    time.Time
}

// Reserve создаёт предварительную бронь. Интервал начала должен отстоять от
// текущего момента не менее чем на нижнюю и не более чем на верхнюю границу;
// пустое время конца означает длительность по умолчанию. Бронь принимается,
// только если свободно не менее reserveThreshold() мест и существует место
// без пересекающихся броней на весь интервал.
func (e *Engine) Reserve(ctx context.Context, username string, start, end time.Time) (*ReserveResult, error) {
	user, err := e.users.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	now := e.now()

	if end.IsZero() {
		end = start.Add(e.settings.DefaultDuration)
	}
	window := model.Window{Start: start, End: end}
	if !window.Valid() {
		return nil, ErrInvalidTimeWindow
	}
	if start.Before(now.Add(e.settings.MinAdvance)) || start.After(now.Add(e.settings.MaxAdvance)) {
		return nil, ErrInvalidTimeWindow
	}

	code, spotID, err := e.createPreorder(ctx, user.ID, now, start, end)
	if err != nil {
		return nil, err
	}

	if nerr := e.notifier.ReservationConfirmed(ctx, user, code, start, end); nerr != nil {
		e.logger.Warn("reservation confirmation not delivered",
			zap.Int64("code", code), zap.Error(nerr))
	}

	e.logger.Info("reservation created",
		zap.Int64("code", code),
		zap.Int("spot", spotID),
		zap.Time("start", start),
		zap.Time("end", end))

	return &ReserveResult{Code: code, SpotID: spotID, Start: start, End: end}, nil
}

// createPreorder выполняет критическую секцию брони: проверку порога
// доступности, подбор свободного на интервал места и вставку сессии.
// Порог сравнивается под мьютексом, иначе два конкурирующих запроса при
// свободных ровно threshold местах прошли бы по одному и тому же счётчику.
// При сбое вставки занятое место возвращается компенсирующим освобождением.
func (e *Engine) createPreorder(ctx context.Context, userID int64, now, start, end time.Time) (int64, int, error) {
	e.reserveMu.Lock()
	defer e.reserveMu.Unlock()

	free, err := e.allocator.AvailableCount(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("available count: %w", err)
	}
	if free < e.reserveThreshold() {
		return 0, 0, ErrBelowThreshold
	}

	spotID, err := e.allocator.AllocateForWindow(ctx, start, end)
	if err != nil {
		return 0, 0, err
	}

	sess := &model.Session{
		UserID:         userID,
		SpotID:         spotID,
		PlacedAt:       now,
		EstimatedStart: start,
		EstimatedEnd:   end,
		Ordered:        true,
		Status:         model.StatusPreorder,
	}

	code, err := e.sessions.CreateSession(ctx, sess)
	if err != nil {
		if rerr := e.allocator.Release(ctx, spotID); rerr != nil {
			e.logger.Error("compensating spot release failed",
				zap.Int("spot", spotID), zap.Error(rerr))
		}
		return 0, 0, fmt.Errorf("create preorder: %w", err)
	}

	return code, spotID, nil
}

// EnterResult описывает успешный спонтанный въезд.
type EnterResult struct {
	Code         int64
	SpotID       int
	EstimatedEnd time.Time
}

// EnterNow выполняет спонтанный въезд: занимает любое свободное место и
// открывает активную сессию на длительность по умолчанию. Порог броней на
// спонтанные въезды не распространяется — достаточно незаполненности.
func (e *Engine) EnterNow(ctx context.Context, username string) (*EnterResult, error) {
	user, err := e.users.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	spotID, err := e.allocator.AllocateAny(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	end := now.Add(e.settings.DefaultDuration)

	sess := &model.Session{
		UserID:         user.ID,
		SpotID:         spotID,
		PlacedAt:       now,
		EstimatedStart: now,
		EstimatedEnd:   end,
		ActualStart:    &now,
		Ordered:        false,
		Status:         model.StatusActive,
	}

	code, err := e.sessions.CreateSession(ctx, sess)
	if err != nil {
		if rerr := e.allocator.Release(ctx, spotID); rerr != nil {
			e.logger.Error("compensating spot release failed",
				zap.Int("spot", spotID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("create walk-in session: %w", err)
	}

	e.logger.Info("walk-in entry", zap.Int64("code", code), zap.Int("spot", spotID))

	return &EnterResult{Code: code, SpotID: spotID, EstimatedEnd: end}, nil
}

// ActivateResult описывает активацию брони по прибытии.
type ActivateResult struct {
	Code   int64
	SpotID int
	Late   bool
}

// Activate переводит бронь в активную сессию. Внутри льготного окна после
// расчётного старта активация успешна (с пометкой late при опоздании);
// после окна бронь отменяется, место освобождается и возвращается
// ErrGraceExpired. Переход условный, поэтому гонка с отменой монитором
// разрешается в пользу ровно одной из сторон.
func (e *Engine) Activate(ctx context.Context, code int64) (*ActivateResult, error) {
	sess, err := e.sessions.SessionByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	// Активировать можно только бронь: активная или завершённая сессия не
	// должна попадать в ветку отмены по льготному окну.
	if sess.Status != model.StatusPreorder {
		return nil, storage.ErrWrongState
	}

	now := e.now()
	elapsed := now.Sub(sess.EstimatedStart)

	if elapsed > e.settings.GracePeriod {
		if cerr := e.sessions.CancelSession(ctx, code); cerr != nil {
			// Монитор успел отменить бронь первым — исход тот же.
			e.logger.Debug("late activation, cancel already done",
				zap.Int64("code", code), zap.Error(cerr))
			return nil, ErrGraceExpired
		}
		e.notifyCancelled(ctx, sess.UserID, code)
		e.logger.Info("reservation cancelled on late arrival",
			zap.Int64("code", code),
			zap.Duration("late_by", elapsed))
		return nil, ErrGraceExpired
	}

	late := now.After(sess.EstimatedStart)
	if err := e.sessions.ActivateSession(ctx, code, now, late); err != nil {
		return nil, err
	}

	e.logger.Info("reservation activated",
		zap.Int64("code", code), zap.Int("spot", sess.SpotID), zap.Bool("late", late))

	return &ActivateResult{Code: code, SpotID: sess.SpotID, Late: late}, nil
}

// ExitResult описывает завершение парковочной сессии.
type ExitResult struct {
	Code     int64
	Late     bool
	ExitedAt time.Time
}

// Exit завершает активную сессию: фиксирует фактический выезд, освобождает
// место и уведомляет абонента. Выезд после расчётного конца помечает сессию
// опоздавшей.
func (e *Engine) Exit(ctx context.Context, code int64) (*ExitResult, error) {
	sess, err := e.sessions.SessionByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	now := e.now()
	late := now.After(sess.EstimatedEnd)

	if err := e.sessions.FinishSession(ctx, code, now, late); err != nil {
		return nil, err
	}

	user, uerr := e.users.UserByID(ctx, sess.UserID)
	if uerr != nil {
		e.logger.Warn("exit notification skipped, user lookup failed",
			zap.Int64("code", code), zap.Error(uerr))
	} else {
		var nerr error
		if late {
			nerr = e.notifier.LatePickup(ctx, user, code, sess.EstimatedEnd)
		} else {
			nerr = e.notifier.NormalExit(ctx, user, code, now)
		}
		if nerr != nil {
			e.logger.Warn("exit notification not delivered",
				zap.Int64("code", code), zap.Error(nerr))
		}
	}

	e.logger.Info("session finished",
		zap.Int64("code", code), zap.Int("spot", sess.SpotID), zap.Bool("late", late))

	return &ExitResult{Code: code, Late: late, ExitedAt: now}, nil
}

// ExtendResult описывает продление сессии.
type ExtendResult struct {
	Code         int64
	EstimatedEnd time.Time
}

// Extend продлевает расчётное время активной сессии на hours часов в
// допустимых границах и уведомляет абонента о новом времени.
func (e *Engine) Extend(ctx context.Context, code int64, hours int) (*ExtendResult, error) {
	if hours < e.settings.MinExtensionHours || hours > e.settings.MaxExtensionHours {
		return nil, ErrInvalidExtension
	}

	sess, err := e.sessions.SessionByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	newEnd, err := e.sessions.ExtendSession(ctx, code, time.Duration(hours)*time.Hour)
	if err != nil {
		return nil, err
	}

	user, uerr := e.users.UserByID(ctx, sess.UserID)
	if uerr != nil {
		e.logger.Warn("extension notification skipped, user lookup failed",
			zap.Int64("code", code), zap.Error(uerr))
	} else if nerr := e.notifier.ExtensionConfirmed(ctx, user, code, newEnd); nerr != nil {
		e.logger.Warn("extension notification not delivered",
			zap.Int64("code", code), zap.Error(nerr))
	}

	e.logger.Info("session extended",
		zap.Int64("code", code), zap.Int("hours", hours), zap.Time("new_end", newEnd))

	return &ExtendResult{Code: code, EstimatedEnd: newEnd}, nil
}

// Cancel отменяет бронь или активную сессию по коду и освобождает место.
func (e *Engine) Cancel(ctx context.Context, code int64) error {
	sess, err := e.sessions.SessionByCode(ctx, code)
	if err != nil {
		return err
	}

	if err := e.sessions.CancelSession(ctx, code); err != nil {
		return err
	}

	e.notifyCancelled(ctx, sess.UserID, code)

	e.logger.Info("session cancelled",
		zap.Int64("code", code), zap.Int("spot", sess.SpotID))

	return nil
}

func (e *Engine) notifyCancelled(ctx context.Context, userID, code int64) {
	user, err := e.users.UserByID(ctx, userID)
	if err != nil {
		e.logger.Warn("cancellation notification skipped, user lookup failed",
			zap.Int64("code", code), zap.Error(err))
		return
	}
	if err := e.notifier.ReservationCancelled(ctx, user, code); err != nil {
		e.logger.Warn("cancellation notification not delivered",
			zap.Int64("code", code), zap.Error(err))
	}
}

// AvailableCount возвращает число свободных мест.
func (e *Engine) AvailableCount(ctx context.Context) (int, error) {
	return e.allocator.AvailableCount(ctx)
}

// IsFull сообщает, заняты ли все места.
func (e *Engine) IsFull(ctx context.Context) (bool, error) {
	return e.allocator.IsFull(ctx)
}

// TotalSpots возвращает общее число мест парковки.
func (e *Engine) TotalSpots() int {
	return e.allocator.Total()
}

// History возвращает историю сессий абонента, новые первыми.
func (e *Engine) History(ctx context.Context, username string) ([]model.Session, error) {
	user, err := e.users.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return e.sessions.SessionsByUser(ctx, user.ID)
}

// ActiveSessions возвращает все текущие активные сессии.
func (e *Engine) ActiveSessions(ctx context.Context) ([]model.Session, error) {
	return e.sessions.ActiveSessions(ctx)
}
