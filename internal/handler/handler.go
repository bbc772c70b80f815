// Package handler содержит HTTP-обработчики API сервиса подписок.
// API предназначен для доверенного процесса диалогового бота, поэтому
// идентификатор пользователя передаётся явно в каждом запросе.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mkoshkin/vpnshop-system/internal/middleware"
	"github.com/mkoshkin/vpnshop-system/internal/model"
	"github.com/mkoshkin/vpnshop-system/internal/purchase"
	"github.com/mkoshkin/vpnshop-system/internal/repository"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Purchase(ctx context.Context, userID, planID int64, firstName, tgUsername string) (*model.Order, error)
	Renew(ctx context.Context, userID, orderID int64) (*model.Order, error)
	TopUp(ctx context.Context, userID, amount int64, firstName, tgUsername string) (int64, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	User(ctx context.Context, userID int64) (*model.User, error)
	Orders(ctx context.Context, userID int64) ([]model.Order, error)
	AddAccount(ctx context.Context, username, password string) (int64, error)
}

// Handler реализует HTTP-обработчики API сервиса подписок.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type purchaseRequest struct {
	UserID     int64  `json:"user_id"`
	PlanID     int64  `json:"plan_id"`
	FirstName  string `json:"first_name"`
	TgUsername string `json:"tg_username"`
}

type orderResponse struct {
	ID          int64   `json:"id"`
	UserID      int64   `json:"user_id"`
	PlanID      int64   `json:"plan_id"`
	Username    string  `json:"username"`
	Status      string  `json:"status"`
	Price       int64   `json:"price"`
	StartsAt    *string `json:"starts_at,omitempty"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	IsRenewalOf *int64  `json:"is_renewal_of,omitempty"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:          o.ID,
		UserID:      o.UserID,
		PlanID:      o.PlanID,
		Username:    o.Username,
		Status:      string(o.Status),
		Price:       o.Price,
		StartsAt:    o.StartsAt,
		ExpiresAt:   o.ExpiresAt,
		IsRenewalOf: o.IsRenewalOf,
	}
}

// CreateOrder оформляет покупку нового сервиса.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID == 0 || req.PlanID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.Purchase(r.Context(), req.UserID, req.PlanID, req.FirstName, req.TgUsername)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPlanNotFound):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, purchase.ErrNoCapacity):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("create order error", zap.Error(err), zap.Int64("userID", req.UserID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	status := http.StatusCreated
	if order.Status == model.OrderStatusWaitingForPayment {
		// Заказ принят, но ждёт пополнения кошелька.
		status = http.StatusAccepted
	}

	writeJSON(w, status, toOrderResponse(order))
}

type renewRequest struct {
	UserID int64 `json:"user_id"`
}

// RenewOrder создаёт заказ-продление для существующего сервиса.
func (h *Handler) RenewOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	renewal, err := h.service.Renew(r.Context(), req.UserID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, purchase.ErrNotOwner):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, purchase.ErrNotRenewable):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("renew order error", zap.Error(err), zap.Int64("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, toOrderResponse(renewal))
}

// GetOrders возвращает заказы пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	orders, err := h.service.Orders(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

type topUpRequest struct {
	UserID     int64  `json:"user_id"`
	Amount     int64  `json:"amount"`
	FirstName  string `json:"first_name"`
	TgUsername string `json:"tg_username"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// TopUp пополняет кошелёк пользователя.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.TopUp(r.Context(), req.UserID, req.Amount, req.FirstName, req.TgUsername)
	if err != nil {
		if errors.Is(err, purchase.ErrBadAmount) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("top up error", zap.Error(err), zap.Int64("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

// GetBalance возвращает баланс кошелька пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}

	balance, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

type userResponse struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Role      string `json:"role"`
	Balance   int64  `json:"balance"`
}

// GetUser возвращает профиль пользователя.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.User(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get user error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:        user.ID,
		FirstName: user.FirstName,
		Role:      user.Role,
		Balance:   user.Balance,
	})
}

type addAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type addAccountResponse struct {
	ID int64 `json:"id"`
}

// AddAccount добавляет учётную запись панели в пул свободных.
func (h *Handler) AddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.AddAccount(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, purchase.ErrBadAccount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrAccountExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("add account error", zap.Error(err), zap.String("username", req.Username))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, addAccountResponse{ID: id})
}

// Healthz отвечает на проверку живости.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func queryUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
