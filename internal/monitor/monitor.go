// Package monitor реализует фоновый процесс жизненного цикла парковки:
// автоотмену невостребованных броней и пометку просроченных активных сессий.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bpark-system/internal/model"
)

// Store описывает операции хранилища, необходимые монитору.
type Store interface {
	OverduePreorders(ctx context.Context, now time.Time, threshold time.Duration) ([]model.Session, error)
	OverdueActiveSessions(ctx context.Context, now time.Time, threshold time.Duration) ([]model.Session, error)
	CancelSession(ctx context.Context, code int64) error
	MarkSessionLate(ctx context.Context, code int64) error
	UserByID(ctx context.Context, id int64) (*model.User, error)
}

// Notifier описывает уведомления, отправляемые монитором.
type Notifier interface {
	ReservationCancelled(ctx context.Context, user *model.User, code int64) error
	LatePickup(ctx context.Context, user *model.User, code int64, estimatedEnd time.Time) error
}

// Monitor периодически проверяет просроченные брони и активные сессии.
// Обе проверки выполняются последовательно в одной горутине цикла, поэтому
// два прохода никогда не перекрываются: затянувшийся проход просто поглощает
// очередной тик.
type Monitor struct {
	store    Store
	notifier Notifier
	interval time.Duration
	// Общий порог просрочки для обеих проверок.
	threshold time.Duration
	logger    *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	now func() time.Time
}

// New создаёт монитор жизненного цикла.
func New(store Store, notifier Notifier, interval, threshold time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:     store,
		notifier:  notifier,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Start запускает цикл проверок. Повторный запуск уже работающего монитора —
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return
	}

	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	m.logger.Info("lifecycle monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("threshold", m.threshold))

	go m.loop(m.stop, m.done)
}

// Stop останавливает монитор и дожидается завершения текущего прохода.
// Повторная остановка безопасна.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop == nil {
		return
	}

	close(m.stop)
	<-m.done
	m.stop = nil
	m.done = nil

	m.logger.Info("lifecycle monitor stopped")
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Sweep выполняет один проход: отмену просроченных броней и пометку
// опаздывающих активных сессий. Сбой обработки одной сессии логируется и не
// прерывает обработку остальных.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now()
	m.cancelOverduePreorders(ctx, now)
	m.flagOverdueActives(ctx, now)
}

func (m *Monitor) cancelOverduePreorders(ctx context.Context, now time.Time) {
	overdue, err := m.store.OverduePreorders(ctx, now, m.threshold)
	if err != nil {
		m.logger.Error("overdue preorder scan failed", zap.Error(err))
		return
	}

	cancelled := 0
	for _, sess := range overdue {
		// Каждая отмена — собственная транзакция: условный переход статуса
		// с освобождением места. Ноль затронутых строк означает, что бронь
		// успели активировать или отменить параллельно.
		if err := m.store.CancelSession(ctx, sess.Code); err != nil {
			m.logger.Warn("overdue preorder not cancelled",
				zap.Int64("code", sess.Code), zap.Error(err))
			continue
		}
		cancelled++

		m.logger.Info("overdue preorder auto-cancelled",
			zap.Int64("code", sess.Code),
			zap.Int("spot", sess.SpotID),
			zap.Duration("late_by", now.Sub(sess.EstimatedStart)))

		m.notifyCancelled(ctx, sess)
	}

	if cancelled > 0 {
		m.logger.Info("auto-cancellation pass finished", zap.Int("cancelled", cancelled))
	}
}

func (m *Monitor) flagOverdueActives(ctx context.Context, now time.Time) {
	overdue, err := m.store.OverdueActiveSessions(ctx, now, m.threshold)
	if err != nil {
		m.logger.Error("overdue active session scan failed", zap.Error(err))
		return
	}

	flagged := 0
	for _, sess := range overdue {
		// Место остаётся занятым: автомобиль может всё ещё стоять на парковке.
		if err := m.store.MarkSessionLate(ctx, sess.Code); err != nil {
			m.logger.Warn("overdue active session not flagged",
				zap.Int64("code", sess.Code), zap.Error(err))
			continue
		}
		flagged++

		m.logger.Info("active session flagged late",
			zap.Int64("code", sess.Code),
			zap.Int("spot", sess.SpotID),
			zap.Duration("late_by", now.Sub(sess.EstimatedEnd)))

		m.notifyLatePickup(ctx, sess)
	}

	if flagged > 0 {
		m.logger.Info("late pickup pass finished", zap.Int("flagged", flagged))
	}
}

func (m *Monitor) notifyCancelled(ctx context.Context, sess model.Session) {
	user, err := m.store.UserByID(ctx, sess.UserID)
	if err != nil {
		m.logger.Warn("cancellation notification skipped, user lookup failed",
			zap.Int64("code", sess.Code), zap.Error(err))
		return
	}
	if err := m.notifier.ReservationCancelled(ctx, user, sess.Code); err != nil {
		m.logger.Warn("cancellation notification not delivered",
			zap.Int64("code", sess.Code), zap.Error(err))
	}
}

func (m *Monitor) notifyLatePickup(ctx context.Context, sess model.Session) {
	user, err := m.store.UserByID(ctx, sess.UserID)
	if err != nil {
		m.logger.Warn("late pickup notification skipped, user lookup failed",
			zap.Int64("code", sess.Code), zap.Error(err))
		return
	}
	if err := m.notifier.LatePickup(ctx, user, sess.Code, sess.EstimatedEnd); err != nil {
		m.logger.Warn("late pickup notification not delivered",
			zap.Int64("code", sess.Code), zap.Error(err))
	}
}
