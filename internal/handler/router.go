package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mkoshkin/vpnshop-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса подписок.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/orders", h.CreateOrder)
		r.Get("/orders", h.GetOrders)
		r.Post("/orders/{orderID}/renew", h.RenewOrder)

		r.Get("/wallet/balance", h.GetBalance)
		r.Post("/wallet/topup", h.TopUp)

		r.Get("/users/{userID}", h.GetUser)
		r.Post("/accounts", h.AddAccount)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
