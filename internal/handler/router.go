package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/bpark-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса парковки.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/parking", func(r chi.Router) {
		r.Post("/reservations", h.Reserve)
		r.Post("/reservations/{code}/activate", h.Activate)
		r.Delete("/reservations/{code}", h.Cancel)

		r.Post("/entries", h.Enter)
		r.Post("/sessions/{code}/exit", h.Exit)
		r.Post("/sessions/{code}/extend", h.Extend)

		r.Get("/availability", h.Availability)
		r.Get("/sessions/active", h.ActiveSessions)
		r.Get("/history", h.History)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
