// Package reconcile содержит фоновые проходы, приводящие журнал заказов,
// панель доступа и кошельки к согласованному состоянию. Каждый проход
// перечитывает условия перехода из текущего состояния журнала и меняет
// статус условным обновлением, поэтому его безопасно запускать повторно
// и параллельно с соседними проходами.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mkoshkin/vpnshop-system/internal/ibsng"
	"github.com/mkoshkin/vpnshop-system/internal/lifecycle"
	"github.com/mkoshkin/vpnshop-system/internal/model"
	"github.com/mkoshkin/vpnshop-system/internal/notify"
	"github.com/mkoshkin/vpnshop-system/internal/repository"
)

// Ledger описывает операции журнала заказов, используемые проходами.
type Ledger interface {
	GetOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetPlan(ctx context.Context, id int64) (*model.Plan, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	DebitBalance(ctx context.Context, userID, amount int64) error
	TopUpBalance(ctx context.Context, userID, amount int64) error
	UpdateOrderStatus(ctx context.Context, id int64, to model.OrderStatus) error
	UpdateOrderStatusFrom(ctx context.Context, id int64, from, to model.OrderStatus) (bool, error)
	UpdateOrderTimes(ctx context.Context, id int64, startsAt, expiresAt *string) error
	GetActiveOrdersWithoutTime(ctx context.Context) ([]model.Order, error)
	GetExpiryCandidates(ctx context.Context) ([]model.Order, error)
	ReassignAccount(ctx context.Context, username string, orderID, planID int64) error
	ReleaseAccountByOrder(ctx context.Context, orderID int64) error
}

// Reconciler выполняет проходы жизненного цикла заказов.
type Reconciler struct {
	repo   Ledger
	gw     ibsng.Gateway
	sink   notify.Sink
	logger *zap.Logger
	grace  time.Duration

	now func() time.Time
}

// New создаёт Reconciler с льготным периодом оплаты grace.
func New(repo Ledger, gw ibsng.Gateway, sink notify.Sink, logger *zap.Logger, grace time.Duration) *Reconciler {
	return &Reconciler{
		repo:   repo,
		gw:     gw,
		sink:   sink,
		logger: logger,
		grace:  grace,
		now:    time.Now,
	}
}

// ActivateReserved активирует зарезервированные продления, у которых
// завершился предыдущий цикл.
func (r *Reconciler) ActivateReserved(ctx context.Context) error {
	orders, err := r.repo.GetOrdersByStatus(ctx, model.OrderStatusReserved)
	if err != nil {
		return fmt.Errorf("fetch reserved orders: %w", err)
	}

	for _, o := range orders {
		if err := r.activateReservedOne(ctx, &o); err != nil {
			r.logger.Error("reserved order skipped",
				zap.Int64("order_id", o.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (r *Reconciler) activateReservedOne(ctx context.Context, o *model.Order) error {
	if o.IsRenewalOf == nil {
		return nil
	}

	prev, err := r.repo.GetOrder(ctx, *o.IsRenewalOf)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return fmt.Errorf("predecessor %d missing", *o.IsRenewalOf)
		}
		return err
	}

	expired, err := lifecycle.PredecessorExpired(prev, r.now())
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}

	claimed, err := r.repo.UpdateOrderStatusFrom(ctx, o.ID, model.OrderStatusReserved, model.OrderStatusActive)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if err := r.provisionOrder(ctx, o); err != nil {
		// Панель недоступна: заказ возвращается в reserved, следующий
		// проход повторит активацию с самого начала.
		if _, revErr := r.repo.UpdateOrderStatusFrom(ctx, o.ID, model.OrderStatusActive, model.OrderStatusReserved); revErr != nil {
			return revErr
		}
		return err
	}

	if err := r.repo.UpdateOrderStatus(ctx, prev.ID, model.OrderStatusRenewed); err != nil {
		return fmt.Errorf("mark predecessor renewed: %w", err)
	}

	r.notifyUser(ctx, o.UserID, fmt.Sprintf(msgReservedActivated, o.Username))
	return nil
}

// ActivateWaitingForPayment повторно проверяет достаточность баланса для
// заказов, ожидающих оплаты, и продвигает их в active либо reserved.
func (r *Reconciler) ActivateWaitingForPayment(ctx context.Context) error {
	orders, err := r.repo.GetOrdersByStatus(ctx, model.OrderStatusWaitingForPayment)
	if err != nil {
		return fmt.Errorf("fetch waiting_for_payment orders: %w", err)
	}

	for _, o := range orders {
		if err := r.activatePaidOne(ctx, &o); err != nil {
			r.logger.Error("waiting_for_payment order skipped",
				zap.Int64("order_id", o.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (r *Reconciler) activatePaidOne(ctx context.Context, o *model.Order) error {
	balance, err := r.repo.GetBalance(ctx, o.UserID)
	if err != nil {
		return err
	}
	if balance < o.Price {
		// Недостаточный баланс — это не ошибка, а ожидаемое состояние:
		// заказ ждёт пополнения и будет проверен на следующем проходе.
		return nil
	}

	plan, err := r.repo.GetPlan(ctx, o.PlanID)
	if err != nil {
		return err
	}

	if o.IsRenewalOf == nil {
		return r.activateFreshPurchase(ctx, o, plan, balance)
	}

	prev, err := r.repo.GetOrder(ctx, *o.IsRenewalOf)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return fmt.Errorf("predecessor %d missing", *o.IsRenewalOf)
		}
		return err
	}

	expired, err := lifecycle.PredecessorExpired(prev, r.now())
	if err != nil {
		return err
	}

	if expired {
		claimed, err := r.claimAndDebit(ctx, o, model.OrderStatusActive)
		if err != nil || !claimed {
			return err
		}

		if err := r.provisionOrder(ctx, o); err != nil {
			if revErr := r.revertActivation(ctx, o); revErr != nil {
				return revErr
			}
			return err
		}

		if err := r.repo.UpdateOrderStatus(ctx, prev.ID, model.OrderStatusRenewed); err != nil {
			return fmt.Errorf("mark predecessor renewed: %w", err)
		}

		r.notifyUser(ctx, o.UserID, fmt.Sprintf(msgPaymentActivated, plan.Name, o.Username, formatPrice(balance-o.Price)))
		return nil
	}

	claimed, err := r.claimAndDebit(ctx, o, model.OrderStatusReserved)
	if err != nil || !claimed {
		return err
	}

	// Текущий цикл ещё идёт: предыдущий заказ переводится в ожидание
	// продления, а оплаченный резерв активирует проход резервов.
	if _, err := r.repo.UpdateOrderStatusFrom(ctx, prev.ID, model.OrderStatusActive, model.OrderStatusWaitingForRenewal); err != nil {
		return err
	}

	r.notifyUser(ctx, o.UserID, fmt.Sprintf(msgPaymentReserved, plan.Name, o.Username, formatPrice(balance-o.Price)))
	return nil
}

func (r *Reconciler) activateFreshPurchase(ctx context.Context, o *model.Order, plan *model.Plan, balance int64) error {
	claimed, err := r.claimAndDebit(ctx, o, model.OrderStatusActive)
	if err != nil || !claimed {
		return err
	}

	if err := r.provisionOrder(ctx, o); err != nil {
		if revErr := r.revertActivation(ctx, o); revErr != nil {
			return revErr
		}
		return err
	}

	r.notifyUser(ctx, o.UserID, fmt.Sprintf(msgPaymentActivated, plan.Name, o.Username, formatPrice(balance-o.Price)))
	return nil
}

// revertActivation откатывает активацию, оборвавшуюся на внешних эффектах:
// возвращает списанную сумму на баланс и статус в waiting_for_payment.
// Операции панели переносят повторное применение, поэтому следующий
// проход безопасно повторяет активацию целиком.
func (r *Reconciler) revertActivation(ctx context.Context, o *model.Order) error {
	if err := r.repo.TopUpBalance(ctx, o.UserID, o.Price); err != nil {
		return fmt.Errorf("refund order %d: %w", o.ID, err)
	}
	if _, err := r.repo.UpdateOrderStatusFrom(ctx, o.ID, model.OrderStatusActive, model.OrderStatusWaitingForPayment); err != nil {
		return err
	}
	return nil
}

// claimAndDebit сначала условно забирает заказ из waiting_for_payment и
// только затем списывает деньги. Смена статуса гарантирует, что повторный
// запуск прохода не выполнит второе списание; любой сбой списания
// откатывает статус назад, чтобы заказ остался видимым следующему проходу.
func (r *Reconciler) claimAndDebit(ctx context.Context, o *model.Order, to model.OrderStatus) (bool, error) {
	claimed, err := r.repo.UpdateOrderStatusFrom(ctx, o.ID, model.OrderStatusWaitingForPayment, to)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	if err := r.repo.DebitBalance(ctx, o.UserID, o.Price); err != nil {
		if _, revErr := r.repo.UpdateOrderStatusFrom(ctx, o.ID, to, model.OrderStatusWaitingForPayment); revErr != nil {
			return false, revErr
		}
		if errors.Is(err, repository.ErrInsufficientBalance) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// provisionOrder применяет внешние эффекты активации: сброс учётной
// записи, назначение группы тарифа и перепривязку записи на новый заказ.
func (r *Reconciler) provisionOrder(ctx context.Context, o *model.Order) error {
	plan, err := r.repo.GetPlan(ctx, o.PlanID)
	if err != nil {
		return err
	}

	if err := r.gw.ResetAccount(ctx, o.Username); err != nil {
		return fmt.Errorf("reset account %s: %w", o.Username, err)
	}
	if err := r.gw.ApplyGroup(ctx, o.Username, plan.GroupName); err != nil {
		return fmt.Errorf("apply group %s: %w", plan.GroupName, err)
	}

	if err := r.repo.ReassignAccount(ctx, o.Username, o.ID, o.PlanID); err != nil {
		return err
	}

	return nil
}

// CancelStaleUnpaid отменяет заказы, простоявшие без оплаты дольше
// льготного периода, и снимает неявную блокировку с предыдущего цикла.
func (r *Reconciler) CancelStaleUnpaid(ctx context.Context) error {
	orders, err := r.repo.GetOrdersByStatus(ctx, model.OrderStatusWaitingForPayment)
	if err != nil {
		return fmt.Errorf("fetch waiting_for_payment orders: %w", err)
	}

	now := r.now()
	for _, o := range orders {
		if !lifecycle.GraceElapsed(o.CreatedAt, now, r.grace) {
			continue
		}

		if err := r.cancelOne(ctx, &o); err != nil {
			r.logger.Error("stale order cancellation skipped",
				zap.Int64("order_id", o.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (r *Reconciler) cancelOne(ctx context.Context, o *model.Order) error {
	claimed, err := r.repo.UpdateOrderStatusFrom(ctx, o.ID, model.OrderStatusWaitingForPayment, model.OrderStatusCanceled)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if o.IsRenewalOf != nil {
		// Предыдущий цикл возвращается в active, если его успели
		// перевести в ожидание продления.
		if _, err := r.repo.UpdateOrderStatusFrom(ctx, *o.IsRenewalOf, model.OrderStatusWaitingForRenewal, model.OrderStatusActive); err != nil {
			return err
		}
		return nil
	}

	// Свежая покупка: учётная запись возвращается в пул.
	return r.repo.ReleaseAccountByOrder(ctx, o.ID)
}

// ExpireOrders переводит заказы с прошедшей меткой истечения в expired.
func (r *Reconciler) ExpireOrders(ctx context.Context) error {
	orders, err := r.repo.GetExpiryCandidates(ctx)
	if err != nil {
		return fmt.Errorf("fetch expiry candidates: %w", err)
	}

	now := r.now()
	for _, o := range orders {
		expired, err := lifecycle.Expired(&o, now)
		if err != nil {
			r.logger.Error("expiry check skipped",
				zap.Int64("order_id", o.ID),
				zap.Error(err),
			)
			continue
		}
		if !expired {
			continue
		}

		if _, err := r.repo.UpdateOrderStatusFrom(ctx, o.ID, o.Status, model.OrderStatusExpired); err != nil {
			r.logger.Error("expiry update skipped",
				zap.Int64("order_id", o.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// SyncServiceWindows заполняет отсутствующие метки начала и истечения
// активных заказов значениями из панели доступа.
func (r *Reconciler) SyncServiceWindows(ctx context.Context) error {
	orders, err := r.repo.GetActiveOrdersWithoutTime(ctx)
	if err != nil {
		return fmt.Errorf("fetch orders without time: %w", err)
	}

	for _, o := range orders {
		startsAt, expiresAt, err := r.gw.GetServiceWindow(ctx, o.Username)
		if err != nil {
			r.logger.Error("service window sync skipped",
				zap.Int64("order_id", o.ID),
				zap.String("username", o.Username),
				zap.Error(err),
			)
			continue
		}

		var s, e *string
		if startsAt != "" {
			s = &startsAt
		}
		if expiresAt != "" {
			e = &expiresAt
		}
		if s == nil && e == nil {
			continue
		}

		if err := r.repo.UpdateOrderTimes(ctx, o.ID, s, e); err != nil {
			r.logger.Error("service window save skipped",
				zap.Int64("order_id", o.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (r *Reconciler) notifyUser(ctx context.Context, userID int64, text string) {
	if err := r.sink.Notify(ctx, userID, text); err != nil {
		r.logger.Warn("user notification failed",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}
}

const (
	msgReservedActivated = "✅ دوست عزیز، دورهٔ قبلی سرویس شما به پایان رسید و تمدید به‌طور خودکار فعال شد.\n" +
		"نام کاربری: <code>%s</code>\n" +
		"لطفاً در صورت مشکل با پشتیبانی در تماس باشید."

	msgPaymentActivated = "✅ پرداخت شما با موفقیت ثبت شد و سرویس شما فعال گردید.\n\n" +
		"🔸 پلن: %s\n👤 نام کاربری: <code>%s</code>\n💰 موجودی: %s تومان"

	msgPaymentReserved = "✅ پرداخت شما با موفقیت ثبت شد.\n" +
		"سرویس شما پس از پایان دوره‌ی فعلی به‌صورت خودکار فعال می‌گردد.\n\n" +
		"🔸 پلن: %s\n👤 نام کاربری: <code>%s</code>\n💰 موجودی: %s تومان"
)

// formatPrice выводит сумму с разделителями тысяч: 150000 -> "150,000".
func formatPrice(v int64) string {
	s := fmt.Sprintf("%d", v)
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}

	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}

	if neg {
		return "-" + string(out)
	}
	return string(out)
}
