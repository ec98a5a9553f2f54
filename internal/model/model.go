// Package model содержит доменные сущности системы парковки.
package model

import "time"

// User представляет абонента парковки. Учётные записи создаются вне ядра,
// здесь они используются только для привязки сессий и отправки уведомлений.
type User struct {
	ID        int64
	Username  string
	Name      string
	Email     string
	Phone     string
	CarNumber string
	CreatedAt time.Time
}

// Spot представляет одно физическое парковочное место с фиксированным номером.
type Spot struct {
	ID       int
	Occupied bool
}

// SessionStatus описывает статус парковочной сессии.
type SessionStatus string

const (
	StatusPreorder  SessionStatus = "preorder"
	StatusActive    SessionStatus = "active"
	StatusFinished  SessionStatus = "finished"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal сообщает, является ли статус конечным.
func (s SessionStatus) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// Session описывает парковочную сессию: предварительную бронь или
// спонтанный въезд. Code назначается хранилищем и служит внешним
// «парковочным кодом».
type Session struct {
	Code           int64
	UserID         int64
	SpotID         int
	PlacedAt       time.Time
	EstimatedStart time.Time
	EstimatedEnd   time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time
	Ordered        bool
	Late           bool
	Extended       bool
	Status         SessionStatus
}

// Open сообщает, удерживает ли сессия парковочное место.
func (s *Session) Open() bool {
	return s.Status == StatusPreorder || s.Status == StatusActive
}

// Window задаёт полуинтервал времени [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Valid проверяет, что конец интервала строго позже начала.
func (w Window) Valid() bool {
	return w.End.After(w.Start)
}

// Overlaps проверяет пересечение двух полуинтервалов:
// [a,b) и [c,d) пересекаются тогда и только тогда, когда a < d и c < b.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// SessionWindow возвращает расчётный интервал сессии.
func (s *Session) SessionWindow() Window {
	return Window{Start: s.EstimatedStart, End: s.EstimatedEnd}
}
