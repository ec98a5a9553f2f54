// Package handler содержит HTTP-обработчики API сервиса парковки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/bpark-system/internal/engine"
	"github.com/mmeshcher/bpark-system/internal/model"
	"github.com/mmeshcher/bpark-system/internal/spots"
	"github.com/mmeshcher/bpark-system/internal/storage"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Reserve(ctx context.Context, username string, start, end time.Time) (*engine.ReserveResult, error)
	EnterNow(ctx context.Context, username string) (*engine.EnterResult, error)
	Activate(ctx context.Context, code int64) (*engine.ActivateResult, error)
	Exit(ctx context.Context, code int64) (*engine.ExitResult, error)
	Extend(ctx context.Context, code int64, hours int) (*engine.ExtendResult, error)
	Cancel(ctx context.Context, code int64) error
	AvailableCount(ctx context.Context) (int, error)
	IsFull(ctx context.Context) (bool, error)
	TotalSpots() int
	History(ctx context.Context, username string) ([]model.Session, error)
	ActiveSessions(ctx context.Context) ([]model.Session, error)
}

// Handler реализует HTTP-обработчики API сервиса парковки.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type reserveRequest struct {
	Username  string `json:"username"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time,omitempty"`
}

type reserveResponse struct {
	Code   int64  `json:"code"`
	Spot   int    `json:"spot"`
	Start  string `json:"start_time"`
	End    string `json:"end_time"`
	Status string `json:"status"`
}

// Reserve создаёт предварительную бронь парковочного места.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.StartTime == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time, expected RFC 3339", http.StatusUnprocessableEntity)
		return
	}

	var end time.Time
	if req.EndTime != "" {
		end, err = time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			http.Error(w, "invalid end_time, expected RFC 3339", http.StatusUnprocessableEntity)
			return
		}
	}

	res, err := h.service.Reserve(r.Context(), req.Username, start, end)
	if err != nil {
		h.writeError(w, err, "reserve")
		return
	}

	writeJSON(w, http.StatusCreated, reserveResponse{
		Code:   res.Code,
		Spot:   res.SpotID,
		Start:  res.Start.Format(time.RFC3339),
		End:    res.End.Format(time.RFC3339),
		Status: string(model.StatusPreorder),
	})
}

type enterRequest struct {
	Username string `json:"username"`
}

type enterResponse struct {
	Code         int64  `json:"code"`
	Spot         int    `json:"spot"`
	EstimatedEnd string `json:"estimated_end"`
}

// Enter выполняет спонтанный въезд на парковку.
func (h *Handler) Enter(w http.ResponseWriter, r *http.Request) {
	var req enterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Username == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.EnterNow(r.Context(), req.Username)
	if err != nil {
		h.writeError(w, err, "enter")
		return
	}

	writeJSON(w, http.StatusCreated, enterResponse{
		Code:         res.Code,
		Spot:         res.SpotID,
		EstimatedEnd: res.EstimatedEnd.Format(time.RFC3339),
	})
}

type activateResponse struct {
	Code int64 `json:"code"`
	Spot int   `json:"spot"`
	Late bool  `json:"late"`
}

// Activate активирует бронь по прибытии абонента.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	code, ok := h.codeParam(w, r)
	if !ok {
		return
	}

	res, err := h.service.Activate(r.Context(), code)
	if err != nil {
		h.writeError(w, err, "activate")
		return
	}

	writeJSON(w, http.StatusOK, activateResponse{
		Code: res.Code,
		Spot: res.SpotID,
		Late: res.Late,
	})
}

type exitResponse struct {
	Code     int64  `json:"code"`
	Late     bool   `json:"late"`
	ExitedAt string `json:"exited_at"`
}

// Exit завершает активную парковочную сессию.
func (h *Handler) Exit(w http.ResponseWriter, r *http.Request) {
	code, ok := h.codeParam(w, r)
	if !ok {
		return
	}

	res, err := h.service.Exit(r.Context(), code)
	if err != nil {
		h.writeError(w, err, "exit")
		return
	}

	writeJSON(w, http.StatusOK, exitResponse{
		Code:     res.Code,
		Late:     res.Late,
		ExitedAt: res.ExitedAt.Format(time.RFC3339),
	})
}

type extendRequest struct {
	Hours int `json:"hours"`
}

type extendResponse struct {
	Code         int64  `json:"code"`
	EstimatedEnd string `json:"estimated_end"`
}

// Extend продлевает активную сессию на указанное число часов.
func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	code, ok := h.codeParam(w, r)
	if !ok {
		return
	}

	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.Extend(r.Context(), code, req.Hours)
	if err != nil {
		h.writeError(w, err, "extend")
		return
	}

	writeJSON(w, http.StatusOK, extendResponse{
		Code:         res.Code,
		EstimatedEnd: res.EstimatedEnd.Format(time.RFC3339),
	})
}

// Cancel отменяет бронь или активную сессию.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	code, ok := h.codeParam(w, r)
	if !ok {
		return
	}

	if err := h.service.Cancel(r.Context(), code); err != nil {
		h.writeError(w, err, "cancel")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type availabilityResponse struct {
	Total     int  `json:"total"`
	Available int  `json:"available"`
	Occupied  int  `json:"occupied"`
	Full      bool `json:"full"`
}

// Availability возвращает сводку занятости парковки.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	available, err := h.service.AvailableCount(r.Context())
	if err != nil {
		h.writeError(w, err, "availability")
		return
	}

	total := h.service.TotalSpots()

	writeJSON(w, http.StatusOK, availabilityResponse{
		Total:     total,
		Available: available,
		Occupied:  total - available,
		Full:      available == 0,
	})
}

type sessionResponse struct {
	Code           int64  `json:"code"`
	Spot           int    `json:"spot"`
	Status         string `json:"status"`
	Ordered        bool   `json:"ordered"`
	Late           bool   `json:"late"`
	Extended       bool   `json:"extended"`
	PlacedAt       string `json:"placed_at"`
	EstimatedStart string `json:"estimated_start"`
	EstimatedEnd   string `json:"estimated_end"`
	ActualStart    string `json:"actual_start,omitempty"`
	ActualEnd      string `json:"actual_end,omitempty"`
}

func toSessionResponse(s model.Session) sessionResponse {
	resp := sessionResponse{
		Code:           s.Code,
		Spot:           s.SpotID,
		Status:         string(s.Status),
		Ordered:        s.Ordered,
		Late:           s.Late,
		Extended:       s.Extended,
		PlacedAt:       s.PlacedAt.Format(time.RFC3339),
		EstimatedStart: s.EstimatedStart.Format(time.RFC3339),
		EstimatedEnd:   s.EstimatedEnd.Format(time.RFC3339),
	}
	if s.ActualStart != nil {
		resp.ActualStart = s.ActualStart.Format(time.RFC3339)
	}
	if s.ActualEnd != nil {
		resp.ActualEnd = s.ActualEnd.Format(time.RFC3339)
	}
	return resp
}

// History возвращает историю сессий абонента.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("user")
	if username == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sessions, err := h.service.History(r.Context(), username)
	if err != nil {
		h.writeError(w, err, "history")
		return
	}

	if len(sessions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ActiveSessions возвращает текущие активные сессии.
func (h *Handler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.ActiveSessions(r.Context())
	if err != nil {
		h.writeError(w, err, "active sessions")
		return
	}

	if len(sessions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) codeParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	code, err := strconv.ParseInt(chi.URLParam(r, "code"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session code", http.StatusBadRequest)
		return 0, false
	}
	return code, true
}

// writeError переводит результат бизнес-логики в HTTP-статус. Инфраструктурные
// сбои логируются и отдаются как 500, бизнес-исходы — как клиентские статусы.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, storage.ErrUserNotFound),
		errors.Is(err, storage.ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrWrongState),
		errors.Is(err, spots.ErrNoFreeSpot),
		errors.Is(err, spots.ErrNoSpotForWindow),
		errors.Is(err, engine.ErrBelowThreshold),
		errors.Is(err, engine.ErrGraceExpired):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrInvalidTimeWindow),
		errors.Is(err, engine.ErrInvalidExtension):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error(op+" error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
