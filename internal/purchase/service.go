// Package purchase реализует пользовательские операции: покупку и
// продление сервиса, пополнение кошелька и чтение заказов. Сценарии с
// отложенной оплатой сходятся фоновыми проходами, поэтому сервис лишь
// фиксирует намерение и, где возможно, активирует сразу.
package purchase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mkoshkin/vpnshop-system/internal/ibsng"
	"github.com/mkoshkin/vpnshop-system/internal/model"
	"github.com/mkoshkin/vpnshop-system/internal/notify"
	"github.com/mkoshkin/vpnshop-system/internal/repository"
)

// Ошибки уровня сценария, транслируемые обработчиками в ответы API.
var (
	ErrNoCapacity   = errors.New("no free accounts in the pool")
	ErrNotOwner     = errors.New("order belongs to another user")
	ErrNotRenewable = errors.New("order is not renewable in its current status")
	ErrBadAmount    = errors.New("amount must be positive")
	ErrBadAccount   = errors.New("account credentials must not be empty")
)

// Ledger описывает операции журнала, используемые сценариями покупки.
type Ledger interface {
	EnsureUser(ctx context.Context, id int64, firstName, tgUsername string) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	TopUpBalance(ctx context.Context, userID, amount int64) error
	DebitBalance(ctx context.Context, userID, amount int64) error
	GetPlan(ctx context.Context, id int64) (*model.Plan, error)
	AddAccount(ctx context.Context, username, password string) (int64, error)
	ClaimFreeAccount(ctx context.Context, orderID, planID int64) (*model.Account, error)
	InsertOrder(ctx context.Context, o *model.Order) (int64, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	SetOrderUsername(ctx context.Context, id int64, username string) error
	UpdateOrderStatusFrom(ctx context.Context, id int64, from, to model.OrderStatus) (bool, error)
	UpdateOrderStatus(ctx context.Context, id int64, to model.OrderStatus) error
	ReassignAccount(ctx context.Context, username string, orderID, planID int64) error
}

// Service выполняет пользовательские сценарии поверх журнала и панели.
type Service struct {
	repo   Ledger
	gw     ibsng.Gateway
	sink   notify.Sink
	logger *zap.Logger
}

// New создаёт сервис покупок.
func New(repo Ledger, gw ibsng.Gateway, sink notify.Sink, logger *zap.Logger) *Service {
	return &Service{repo: repo, gw: gw, sink: sink, logger: logger}
}

// Purchase создаёт заказ на новый сервис. Учётная запись закрепляется
// за заказом сразу, а оплата списывается, если баланса хватает; иначе
// заказ остаётся в ожидании оплаты и активируется фоновым проходом
// после пополнения.
func (s *Service) Purchase(ctx context.Context, userID, planID int64, firstName, tgUsername string) (*model.Order, error) {
	if err := s.repo.EnsureUser(ctx, userID, firstName, tgUsername); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	plan, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("fetch plan: %w", err)
	}

	order := &model.Order{
		UserID:   userID,
		PlanID:   plan.ID,
		Status:   model.OrderStatusWaitingForPayment,
		Price:    plan.Price,
		VolumeMB: plan.VolumeGB * 1024,
	}

	orderID, err := s.repo.InsertOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	order.ID = orderID

	acct, err := s.repo.ClaimFreeAccount(ctx, orderID, plan.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNoFreeAccount) {
			// Без учётной записи заказ не имеет смысла держать в очереди.
			if cancelErr := s.repo.UpdateOrderStatus(ctx, orderID, model.OrderStatusCanceled); cancelErr != nil {
				s.logger.Error("failed to cancel order without account",
					zap.Int64("order_id", orderID),
					zap.Error(cancelErr),
				)
			}
			return nil, ErrNoCapacity
		}
		return nil, fmt.Errorf("claim account: %w", err)
	}

	if err := s.repo.SetOrderUsername(ctx, orderID, acct.Username); err != nil {
		return nil, fmt.Errorf("bind account to order: %w", err)
	}
	order.Username = acct.Username

	if err := s.repo.DebitBalance(ctx, userID, plan.Price); err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			return order, nil
		}
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	// Баланса хватило, активируем не дожидаясь фонового прохода.
	claimed, err := s.repo.UpdateOrderStatusFrom(ctx, orderID,
		model.OrderStatusWaitingForPayment, model.OrderStatusActive)
	if err != nil {
		return nil, fmt.Errorf("activate order: %w", err)
	}
	if !claimed {
		// Заказ успел забрать фоновый проход и списать оплату сам,
		// поэтому наше списание возвращается.
		if err := s.repo.TopUpBalance(ctx, userID, plan.Price); err != nil {
			return nil, fmt.Errorf("refund duplicate debit: %w", err)
		}
		return s.repo.GetOrder(ctx, orderID)
	}
	order.Status = model.OrderStatusActive

	if err := s.provision(ctx, order, plan); err != nil {
		// Панель недоступна: списание и статус откатываются, заказ
		// доведёт до активации фоновый проход оплаты.
		s.logger.Error("provisioning failed, order returned to payment queue",
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)
		if refundErr := s.repo.TopUpBalance(ctx, userID, plan.Price); refundErr != nil {
			return nil, fmt.Errorf("refund after provisioning failure: %w", refundErr)
		}
		if _, revErr := s.repo.UpdateOrderStatusFrom(ctx, orderID,
			model.OrderStatusActive, model.OrderStatusWaitingForPayment); revErr != nil {
			return nil, fmt.Errorf("revert after provisioning failure: %w", revErr)
		}
		order.Status = model.OrderStatusWaitingForPayment
		return order, nil
	}

	s.notifyActivated(ctx, order, acct, plan)
	return order, nil
}

// Renew создаёт заказ-продление для существующего сервиса. Списание и
// активация выполняются фоновым проходом оплаты, который сам решает,
// активировать продление немедленно или зарезервировать до конца
// текущего периода.
func (s *Service) Renew(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	prev, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", err)
	}
	if prev.UserID != userID {
		return nil, ErrNotOwner
	}

	switch prev.Status {
	case model.OrderStatusActive, model.OrderStatusWaitingForRenewal, model.OrderStatusExpired:
	default:
		return nil, ErrNotRenewable
	}

	plan, err := s.repo.GetPlan(ctx, prev.PlanID)
	if err != nil {
		return nil, fmt.Errorf("fetch plan: %w", err)
	}

	renewal := &model.Order{
		UserID:      userID,
		PlanID:      plan.ID,
		Username:    prev.Username,
		Status:      model.OrderStatusWaitingForPayment,
		Price:       plan.Price,
		IsRenewalOf: &prev.ID,
		VolumeMB:    plan.VolumeGB * 1024,
	}

	id, err := s.repo.InsertOrder(ctx, renewal)
	if err != nil {
		return nil, fmt.Errorf("insert renewal order: %w", err)
	}
	renewal.ID = id
	return renewal, nil
}

// TopUp пополняет кошелёк пользователя и возвращает новый баланс.
func (s *Service) TopUp(ctx context.Context, userID, amount int64, firstName, tgUsername string) (int64, error) {
	if amount <= 0 {
		return 0, ErrBadAmount
	}
	if err := s.repo.EnsureUser(ctx, userID, firstName, tgUsername); err != nil {
		return 0, fmt.Errorf("ensure user: %w", err)
	}
	if err := s.repo.TopUpBalance(ctx, userID, amount); err != nil {
		return 0, fmt.Errorf("top up balance: %w", err)
	}
	return s.repo.GetBalance(ctx, userID)
}

// Balance возвращает текущий баланс кошелька.
func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
	return s.repo.GetBalance(ctx, userID)
}

// User возвращает профиль пользователя.
func (s *Service) User(ctx context.Context, userID int64) (*model.User, error) {
	return s.repo.GetUser(ctx, userID)
}

// AddAccount добавляет учётную запись панели в пул свободных.
// Используется оператором при пополнении пула.
func (s *Service) AddAccount(ctx context.Context, username, password string) (int64, error) {
	if username == "" || password == "" {
		return 0, ErrBadAccount
	}
	return s.repo.AddAccount(ctx, username, password)
}

// Orders возвращает заказы пользователя, самые свежие первыми.
func (s *Service) Orders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

func (s *Service) provision(ctx context.Context, o *model.Order, plan *model.Plan) error {
	if err := s.gw.ResetAccount(ctx, o.Username); err != nil {
		return fmt.Errorf("reset account %s: %w", o.Username, err)
	}
	if err := s.gw.ApplyGroup(ctx, o.Username, plan.GroupName); err != nil {
		return fmt.Errorf("apply group %s: %w", plan.GroupName, err)
	}
	if err := s.repo.ReassignAccount(ctx, o.Username, o.ID, plan.ID); err != nil {
		return fmt.Errorf("reassign account: %w", err)
	}
	return nil
}

func (s *Service) notifyActivated(ctx context.Context, o *model.Order, acct *model.Account, plan *model.Plan) {
	msg := fmt.Sprintf(msgPurchased, plan.Name, acct.Username, acct.Password)
	if err := s.sink.Notify(ctx, o.UserID, msg); err != nil {
		s.logger.Warn("purchase notification failed",
			zap.Int64("user_id", o.UserID),
			zap.Error(err),
		)
	}
}

const msgPurchased = "✅ سرویس شما با موفقیت فعال شد.\n\n" +
	"🔸 پلن: %s\n👤 نام کاربری: <code>%s</code>\n🔑 رمز عبور: <code>%s</code>\n\n" +
	"اتصال شما از اولین ورود آغاز می‌شود."
