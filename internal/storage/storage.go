// Package storage содержит реализации хранилища данных парковки:
// PostgreSQL для продакшена и In-memory для тестов и запуска без БД.
package storage

import "errors"

// ErrUserNotFound возвращается, если абонент не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrSessionNotFound возвращается, если сессия с указанным кодом не существует.
	ErrSessionNotFound = errors.New("session not found")
	// ErrWrongState возвращается, когда сессия существует, но не находится в
	// требуемом исходном статусе: условное обновление не затронуло ни одной строки.
	ErrWrongState = errors.New("session is not in the required state")
)
