// Package model содержит доменные сущности сервиса продажи VPN-подписок.
package model

import "time"

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusWaitingForPayment OrderStatus = "waiting_for_payment"
	OrderStatusReserved          OrderStatus = "reserved"
	OrderStatusActive            OrderStatus = "active"
	OrderStatusWaitingForRenewal OrderStatus = "waiting_for_renewal"
	OrderStatusExpired           OrderStatus = "expired"
	OrderStatusRenewed           OrderStatus = "renewed"
	OrderStatusCanceled          OrderStatus = "canceled"
)

// Order описывает один оплаченный или продляемый цикл подписки.
// Поля StartsAt и ExpiresAt хранят метки времени в формате панели
// доступа (календарь джалали, "YYYY-MM-DD HH:MM") и остаются пустыми,
// пока заказ не синхронизирован с панелью.
type Order struct {
	ID             int64
	UserID         int64
	PlanID         int64
	Username       string
	Status         OrderStatus
	Price          int64
	CreatedAt      time.Time
	StartsAt       *string
	ExpiresAt      *string
	LastNotifLevel int
	IsRenewalOf    *int64
	VolumeMB       int64
}

// AccountStatus описывает состояние учётной записи в пуле.
type AccountStatus string

const (
	AccountStatusFree     AccountStatus = "free"
	AccountStatusAssigned AccountStatus = "assigned"
)

// Account представляет переиспользуемую учётную запись панели доступа.
type Account struct {
	ID       int64
	Username string
	Password string
	Status   AccountStatus
	PlanID   *int64
	OrderID  *int64
}

// Plan описывает тарифный план из каталога. Для ядра он только для чтения.
type Plan struct {
	ID             int64
	Name           string
	VolumeGB       int64
	DurationMonths int
	Price          int64
	GroupName      string
	IsUnlimited    bool
	Visible        bool
}

// UsageRecord хранит накопленный трафик по одному заказу.
// TotalMB монотонно не убывает между сбросами; сброс происходит только
// при продлении заказа.
type UsageRecord struct {
	OrderID      int64
	Username     string
	SentMB       int64
	ReceivedMB   int64
	TotalMB      int64
	AppliedSpeed *string
	CeilingMB    int64
	LastUpdate   *time.Time
}

// User представляет пользователя с предоплаченным кошельком.
// Баланс хранится в целых туманах и не опускается ниже нуля.
type User struct {
	ID         int64
	FirstName  string
	TgUsername string
	Role       string
	Balance    int64
	CreatedAt  time.Time
}
