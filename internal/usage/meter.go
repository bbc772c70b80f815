// Package usage реализует учёт трафика и ступенчатое ограничение скорости.
// Проход работает независимо от переходов жизненного цикла и затрагивает
// только активные заказы, чьё окно обслуживания содержит текущий момент.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mkoshkin/vpnshop-system/internal/ibsng"
	"github.com/mkoshkin/vpnshop-system/internal/jalali"
	"github.com/mkoshkin/vpnshop-system/internal/model"
	"github.com/mkoshkin/vpnshop-system/internal/notify"
	"github.com/mkoshkin/vpnshop-system/internal/repository"
)

// Ledger описывает операции журнала, используемые проходом учёта трафика.
type Ledger interface {
	GetOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error)
	GetUsage(ctx context.Context, orderID int64) (*model.UsageRecord, error)
	UpsertUsage(ctx context.Context, rec *model.UsageRecord) error
	SetAppliedSpeed(ctx context.Context, orderID int64, speed string) error
	GetUsageForLimitation(ctx context.Context) ([]repository.UsageForLimitation, error)
}

// speedTier — порог накопленного трафика и скорость, применяемая после
// его пересечения. Пороги заданы для одного месяца и масштабируются
// длительностью тарифа.
type speedTier struct {
	thresholdMB int64
	speed       string
}

// Ступени идут по возрастанию жёсткости: контроллер движется по ним
// только вперёд, ослабление происходит лишь при продлении сервиса.
var speedTiers = []speedTier{
	{20480, "8m"},
	{30720, "4m"},
	{40960, "2m"},
	{51200, "1m"},
	{61440, "512k"},
	{71680, "256k"},
}

// tierFor возвращает индекс самой жёсткой ступени, порог которой
// пересечён, либо -1, если ограничение не требуется.
func tierFor(totalMB int64, durationMonths int) int {
	if durationMonths < 1 {
		durationMonths = 1
	}

	tier := -1
	for i, t := range speedTiers {
		if totalMB >= t.thresholdMB*int64(durationMonths) {
			tier = i
		}
	}
	return tier
}

// tierIndex возвращает индекс ступени по применённой скорости, -1 если
// ограничение ещё не применялось.
func tierIndex(speed *string) int {
	if speed == nil {
		return -1
	}
	for i, t := range speedTiers {
		if t.speed == *speed {
			return i
		}
	}
	return -1
}

func rateLimitAttr(speed string) string {
	return fmt.Sprintf("Rate-Limit=%q", speed+"/"+speed)
}

// Meter выполняет синхронизацию трафика и применение ограничений.
type Meter struct {
	repo   Ledger
	gw     ibsng.Gateway
	sink   notify.Sink
	admins *notify.AdminNotifier
	logger *zap.Logger

	// minSyncDelay ограничивает частоту запросов трафика к панели
	// по одному заказу.
	minSyncDelay time.Duration

	now func() time.Time
}

// NewMeter создаёт контроллер учёта трафика.
func NewMeter(repo Ledger, gw ibsng.Gateway, sink notify.Sink, admins *notify.AdminNotifier, logger *zap.Logger, minSyncDelay time.Duration) *Meter {
	return &Meter{
		repo:         repo,
		gw:           gw,
		sink:         sink,
		admins:       admins,
		logger:       logger,
		minSyncDelay: minSyncDelay,
		now:          time.Now,
	}
}

// Run выполняет один проход: обновляет срезы трафика, затем применяет
// ограничения скорости.
func (m *Meter) Run(ctx context.Context) error {
	if err := m.syncUsage(ctx); err != nil {
		return err
	}
	return m.applyLimits(ctx)
}

func (m *Meter) syncUsage(ctx context.Context) error {
	orders, err := m.repo.GetOrdersByStatus(ctx, model.OrderStatusActive)
	if err != nil {
		return fmt.Errorf("fetch active orders: %w", err)
	}

	now := m.now()
	for _, o := range orders {
		if err := m.syncOne(ctx, &o, now); err != nil {
			m.logger.Error("usage sync skipped",
				zap.Int64("order_id", o.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (m *Meter) syncOne(ctx context.Context, o *model.Order, now time.Time) error {
	if o.StartsAt == nil || o.ExpiresAt == nil {
		return nil
	}

	starts, err := jalali.Parse(*o.StartsAt)
	if err != nil {
		return err
	}
	expires, err := jalali.Parse(*o.ExpiresAt)
	if err != nil {
		return err
	}

	// Заказы вне окна обслуживания из прохода исключаются целиком.
	if now.Before(starts) || now.After(expires) {
		return nil
	}

	rec, err := m.repo.GetUsage(ctx, o.ID)
	if err != nil {
		return err
	}
	if rec != nil && rec.LastUpdate != nil && now.Sub(*rec.LastUpdate) < m.minSyncDelay {
		return nil
	}

	sentMB, receivedMB, err := m.gw.GetCumulativeUsage(ctx, o.Username, *o.StartsAt, *o.ExpiresAt)
	if err != nil {
		return err
	}

	totalMB := sentMB + receivedMB
	// Суммарный трафик между сбросами не убывает; более низкое значение
	// из панели означает неполный отчёт и не затирает накопленное.
	if rec != nil && totalMB < rec.TotalMB {
		m.logger.Warn("panel reported lower usage, keeping stored total",
			zap.Int64("order_id", o.ID),
			zap.Int64("panel_total_mb", totalMB),
			zap.Int64("stored_total_mb", rec.TotalMB),
		)
		totalMB = rec.TotalMB
	}

	return m.repo.UpsertUsage(ctx, &model.UsageRecord{
		OrderID:    o.ID,
		Username:   o.Username,
		SentMB:     sentMB,
		ReceivedMB: receivedMB,
		TotalMB:    totalMB,
		CeilingMB:  o.VolumeMB,
		LastUpdate: &now,
	})
}

func (m *Meter) applyLimits(ctx context.Context) error {
	rows, err := m.repo.GetUsageForLimitation(ctx)
	if err != nil {
		return fmt.Errorf("fetch usage for limitation: %w", err)
	}

	for _, row := range rows {
		if err := m.limitOne(ctx, &row); err != nil {
			m.logger.Error("speed limit skipped",
				zap.Int64("order_id", row.OrderID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (m *Meter) limitOne(ctx context.Context, row *repository.UsageForLimitation) error {
	// Ограничение скорости применяется только к безлимитным (FUP)
	// тарифам; объёмные тарифы отключаются панелью сами.
	if !row.IsUnlimited {
		return nil
	}

	newTier := tierFor(row.TotalMB, row.DurationMonths)
	if newTier < 0 {
		return nil
	}

	// Ступени одно-направленны: уже применённое ограничение никогда не
	// ослабляется этим проходом. Отсутствие применённой ступени и есть
	// признак первого пересечения, поэтому уведомление уходит ровно
	// один раз на ступень.
	if newTier <= tierIndex(row.AppliedSpeed) {
		return nil
	}

	speed := speedTiers[newTier].speed

	attrs, err := m.gw.GetRadiusAttributes(ctx, row.Username)
	if err != nil {
		return err
	}

	attrLine := rateLimitAttr(speed)
	if group := attrs["Group"]; group != "" {
		attrLine = fmt.Sprintf("Group=%q", group) + "\n" + attrLine
	}

	if err := m.gw.ApplyRadiusAttributes(ctx, row.Username, attrLine); err != nil {
		return err
	}

	// Перечитываем атрибуты и сохраняем фактически применённую скорость,
	// а не запрошенную.
	applied := speed
	if updated, err := m.gw.GetRadiusAttributes(ctx, row.Username); err == nil {
		if rl := updated["Rate-Limit"]; rl != "" {
			applied = strings.SplitN(rl, "/", 2)[0]
		}
	} else {
		m.logger.Warn("failed to re-read radius attributes",
			zap.String("username", row.Username),
			zap.Error(err),
		)
	}

	if err := m.repo.SetAppliedSpeed(ctx, row.OrderID, applied); err != nil {
		return err
	}

	m.notifyThrottled(ctx, row, applied)
	return nil
}

func (m *Meter) notifyThrottled(ctx context.Context, row *repository.UsageForLimitation, speed string) {
	userMsg := fmt.Sprintf(msgThrottled, row.Username, speed)
	if err := m.sink.Notify(ctx, row.UserID, userMsg); err != nil {
		m.logger.Warn("throttle notification failed",
			zap.Int64("user_id", row.UserID),
			zap.Error(err),
		)
	}

	if m.admins != nil {
		m.admins.NotifyAdmins(ctx, fmt.Sprintf(msgThrottledAdmin, row.Username, speed, row.TotalMB))
	}
}

const (
	msgThrottled = "⚠️ حجم مصرفی سرویس <code>%s</code> از حد مصرف منصفانه عبور کرد و سرعت به %s محدود شد.\n" +
		"برای بازگشت سرعت، سرویس خود را تمدید کنید."

	msgThrottledAdmin = "کاهش سرعت برای <code>%s</code>: %s (مصرف %d MB)"
)
