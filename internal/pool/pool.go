// Package pool реализует ограниченный пул переиспользуемых ресурсов хранилища.
//
// Пул создаётся один раз на старте процесса с фиксированным числом ресурсов
// и никогда не растёт. Acquire блокирует вызывающего до освобождения ресурса
// либо до истечения таймаута ожидания.
package pool

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrPoolExhausted возвращается, когда свободный ресурс не появился за время
// таймаута ожидания. Ошибка временная: вызывающий может повторить операцию целиком.
var ErrPoolExhausted = errors.New("resource pool exhausted")

// ErrPoolClosed возвращается при обращении к уже закрытому пулу.
var ErrPoolClosed = errors.New("resource pool closed")

// интервал, с которым ожидающий Acquire пишет отладочный лог
const waitLogInterval = 100 * time.Millisecond

// Pool содержит фиксированный набор ресурсов типа T.
// Очередь свободных ресурсов выражена буферизованным каналом: Release кладёт
// ресурс обратно и тем самым будит одного из ожидающих Acquire.
type Pool[T any] struct {
	free           chan T
	size           int
	acquireTimeout time.Duration
	closed         chan struct{}
	closeFn        func(T)
	logger         *zap.Logger
}

// New создаёт пул из переданных ресурсов. Размер пула равен len(items)
// и не меняется за время жизни процесса. closeFn освобождает ресурс,
// покидающий пул (при Close и при отбрасывании в Release); nil допустим
// для ресурсов без освобождения.
func New[T any](items []T, acquireTimeout time.Duration, closeFn func(T), logger *zap.Logger) *Pool[T] {
	if logger == nil {
		logger = zap.NewNop()
	}

	free := make(chan T, len(items))
	for _, it := range items {
		free <- it
	}

	return &Pool[T]{
		free:           free,
		size:           len(items),
		acquireTimeout: acquireTimeout,
		closed:         make(chan struct{}),
		closeFn:        closeFn,
		logger:         logger,
	}
}

// Size возвращает фиксированный размер пула.
func (p *Pool[T]) Size() int {
	return p.size
}

// Available возвращает текущее число свободных ресурсов.
func (p *Pool[T]) Available() int {
	return len(p.free)
}

// Acquire выдаёт свободный ресурс. При исчерпании пула вызов блокируется до
// Release в другой горутине, но не дольше таймаута пула (и не дольше
// дедлайна контекста). По истечении таймаута возвращается ErrPoolExhausted.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	select {
	case <-p.closed:
		return zero, ErrPoolClosed
	default:
	}

	// Быстрый путь без таймера.
	select {
	case h := <-p.free:
		return h, nil
	default:
	}

	deadline := time.NewTimer(p.acquireTimeout)
	defer deadline.Stop()

	wait := time.NewTicker(waitLogInterval)
	defer wait.Stop()

	for {
		select {
		case h := <-p.free:
			return h, nil
		case <-wait.C:
			p.logger.Debug("waiting for free resource",
				zap.Int("pool_size", p.size),
				zap.Int("available", len(p.free)))
		case <-deadline.C:
			return zero, ErrPoolExhausted
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-p.closed:
			return zero, ErrPoolClosed
		}
	}
}

// Release возвращает ресурс в пул и будит одного из ожидающих.
// Возврат в заполненный пул означает ошибку использования (ресурс, не взятый
// через Acquire): он фиксируется в логе, а ресурс освобождается через closeFn,
// чтобы не протёк.
func (p *Pool[T]) Release(h T) {
	select {
	case p.free <- h:
	default:
		p.logger.Warn("release into full pool, resource closed and dropped",
			zap.Int("pool_size", p.size))
		if p.closeFn != nil {
			p.closeFn(h)
		}
	}
}

// Close закрывает пул: новые Acquire сразу получают ErrPoolClosed, все
// свободные ресурсы передаются closeFn. Вызывается после остановки всех
// пользователей пула, когда ресурсов в работе не осталось.
func (p *Pool[T]) Close() {
	select {
	case <-p.closed:
		return
	default:
		close(p.closed)
	}

	for {
		select {
		case h := <-p.free:
			if p.closeFn != nil {
				p.closeFn(h)
			}
		default:
			return
		}
	}
}
