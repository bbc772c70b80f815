// Package escalate реализует эскалатор уведомлений об окончании сервиса.
// Каждому заказу соответствует монотонно растущий уровень отправленного
// уведомления, поэтому пользователь получает каждое напоминание ровно
// один раз, сколько бы раз проход ни выполнялся.
package escalate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mkoshkin/vpnshop-system/internal/jalali"
	"github.com/mkoshkin/vpnshop-system/internal/model"
	"github.com/mkoshkin/vpnshop-system/internal/notify"
)

// lookAhead ограничивает горизонт выборки: заказы, истекающие позже,
// в проход не попадают.
const lookAhead = 48 * time.Hour

// Уровни уведомлений. Уровень 0 означает, что ничего не отправлялось.
const (
	levelTwoDays = 1
	levelOneDay  = 2
	levelFinal   = 3
	levelExpired = 4
)

// Ledger описывает операции журнала, используемые эскалатором.
type Ledger interface {
	GetOrdersForNotification(ctx context.Context, beforeJalali string) ([]model.Order, error)
	SetOrderNotifLevel(ctx context.Context, id int64, level int) error
}

// Escalator отправляет напоминания об истекающих заказах.
type Escalator struct {
	repo   Ledger
	sink   notify.Sink
	logger *zap.Logger

	// Тихие часы по местному времени: в интервале [from, to) проход
	// не отправляет ничего и не трогает уровни.
	quietFrom int
	quietTo   int

	now func() time.Time
}

// New создаёт эскалатор уведомлений.
func New(repo Ledger, sink notify.Sink, logger *zap.Logger, quietFrom, quietTo int) *Escalator {
	return &Escalator{
		repo:      repo,
		sink:      sink,
		logger:    logger,
		quietFrom: quietFrom,
		quietTo:   quietTo,
		now:       time.Now,
	}
}

// levelFor возвращает уровень уведомления по оставшемуся времени.
func levelFor(remaining time.Duration) int {
	switch {
	case remaining <= 0:
		return levelExpired
	case remaining <= 2*time.Hour:
		return levelFinal
	case remaining <= 24*time.Hour:
		return levelOneDay
	case remaining <= lookAhead:
		return levelTwoDays
	default:
		return 0
	}
}

// inQuietHours сообщает, попадает ли час в тихий интервал [from, to).
// Интервал с from > to переходит через полночь: например, 22..6 покрывает
// поздний вечер и раннее утро. Равные границы означают пустой интервал.
func (e *Escalator) inQuietHours(hour int) bool {
	switch {
	case e.quietFrom == e.quietTo:
		return false
	case e.quietFrom < e.quietTo:
		return hour >= e.quietFrom && hour < e.quietTo
	default:
		return hour >= e.quietFrom || hour < e.quietTo
	}
}

// Run выполняет один проход эскалатора.
func (e *Escalator) Run(ctx context.Context) error {
	now := e.now()

	// В тихие часы проход подавляется целиком. Уровни не меняются,
	// поэтому пропущенные напоминания уйдут первым проходом после
	// окончания интервала.
	if hour := jalali.LocalHour(now); e.inQuietHours(hour) {
		e.logger.Debug("quiet hours, notifications suppressed", zap.Int("hour", hour))
		return nil
	}

	orders, err := e.repo.GetOrdersForNotification(ctx, jalali.Format(now.Add(lookAhead)))
	if err != nil {
		return fmt.Errorf("fetch expiring orders: %w", err)
	}

	for _, o := range orders {
		if err := e.notifyOne(ctx, &o, now); err != nil {
			e.logger.Error("expiry notification skipped",
				zap.Int64("order_id", o.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (e *Escalator) notifyOne(ctx context.Context, o *model.Order, now time.Time) error {
	if o.ExpiresAt == nil {
		return nil
	}

	expires, err := jalali.Parse(*o.ExpiresAt)
	if err != nil {
		return err
	}

	level := levelFor(expires.Sub(now))
	if level <= o.LastNotifLevel {
		return nil
	}

	if err := e.sink.Notify(ctx, o.UserID, e.message(o, level, expires)); err != nil {
		// Уровень остаётся прежним, следующий проход повторит отправку.
		return err
	}

	return e.repo.SetOrderNotifLevel(ctx, o.ID, level)
}

func (e *Escalator) message(o *model.Order, level int, expires time.Time) string {
	exact := jalali.FormatReadable(expires)

	if o.Status == model.OrderStatusWaitingForRenewal && level == levelFinal {
		return fmt.Sprintf(msgFinalRenewed, o.Username, exact)
	}

	var title, body string
	switch level {
	case levelTwoDays:
		title = "یادآوری ۴۸ ساعته"
		body = fmt.Sprintf("اکانت <b><code>%s</code></b> تا ۴۸ ساعت دیگر (در تاریخ %s) به پایان می‌رسد.", o.Username, exact)
	case levelOneDay:
		title = "یادآوری ۲۴ ساعته"
		body = fmt.Sprintf("اکانت <b><code>%s</code></b> تا ۲۴ ساعت دیگر (در تاریخ %s) منقضی می‌شود.", o.Username, exact)
	case levelFinal:
		title = "هشدار ۲ ساعته"
		body = fmt.Sprintf("کمتر از دو ساعت به پایان اکانت <b><code>%s</code></b> باقی مانده است (زمان دقیق: %s).", o.Username, exact)
	default:
		title = "اتمام سرویس"
		body = fmt.Sprintf("اکانت <b><code>%s</code></b> در تاریخ %s به پایان رسیده است.", o.Username, exact)
	}

	action := "برای جلوگیری از قطع اتصال، همین حالا از منوی ربات گزینهٔ «تمدید سرویس» را انتخاب کنید."
	if level == levelExpired {
		action = "برای فعال‌سازی مجدد، از منوی ربات «تمدید سرویس» را انتخاب کنید."
	}

	return fmt.Sprintf("🔔 <b>%s</b>\n\n%s\n\n%s", title, body, action)
}

const msgFinalRenewed = "⏳ اکانت <b><code>%s</code></b> کمتر از دو ساعت دیگر منقضی می‌شود.\n" +
	"پرداخت شما تأیید شده است و سرویس جدید بلافاصله پس از تاریخ %s فعال خواهد شد.\n" +
	"سپاس از شکیبایی شما."
