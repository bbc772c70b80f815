// Package lifecycle содержит чистую логику машины состояний заказа:
// допустимые переходы и проверки условий, по которым фоновые проходы
// двигают заказы вперёд. Сам пакет не выполняет побочных эффектов.
package lifecycle

import (
	"time"

	"github.com/mkoshkin/vpnshop-system/internal/jalali"
	"github.com/mkoshkin/vpnshop-system/internal/model"
)

// transitions описывает рёбра графа статусов. Статус меняется только
// вдоль этих рёбер.
var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusWaitingForPayment: {
		model.OrderStatusActive,
		model.OrderStatusReserved,
		model.OrderStatusCanceled,
	},
	model.OrderStatusReserved: {
		model.OrderStatusActive,
	},
	model.OrderStatusActive: {
		model.OrderStatusWaitingForRenewal,
		model.OrderStatusExpired,
		model.OrderStatusRenewed,
	},
	model.OrderStatusWaitingForRenewal: {
		model.OrderStatusActive,
		model.OrderStatusExpired,
		model.OrderStatusRenewed,
	},
	// Просроченный заказ может быть помечен продлённым, когда зависимый
	// от него заказ активируется.
	model.OrderStatusExpired: {
		model.OrderStatusRenewed,
	},
}

// CanTransition сообщает, допустим ли переход между двумя статусами.
func CanTransition(from, to model.OrderStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, является ли статус конечным для самого заказа.
func IsTerminal(s model.OrderStatus) bool {
	switch s {
	case model.OrderStatusExpired, model.OrderStatusRenewed, model.OrderStatusCanceled:
		return true
	}
	return false
}

// Expired сообщает, истёк ли срок действия заказа к моменту now.
// Заказ без метки истечения считается ещё не синхронизированным с
// панелью и никогда не признаётся просроченным.
func Expired(o *model.Order, now time.Time) (bool, error) {
	if o.ExpiresAt == nil || *o.ExpiresAt == "" {
		return false, nil
	}

	exp, err := jalali.Parse(*o.ExpiresAt)
	if err != nil {
		return false, err
	}
	return exp.Before(now), nil
}

// PredecessorExpired сообщает, завершился ли предыдущий цикл подписки.
// Учитывается и статус, и метка истечения: проход истечения может ещё
// не успеть обработать заказ.
func PredecessorExpired(prev *model.Order, now time.Time) (bool, error) {
	if prev.Status == model.OrderStatusExpired {
		return true, nil
	}
	return Expired(prev, now)
}

// GraceElapsed сообщает, простоял ли заказ неоплаченным дольше льготного
// периода.
func GraceElapsed(createdAt, now time.Time, grace time.Duration) bool {
	return now.Sub(createdAt) > grace
}
