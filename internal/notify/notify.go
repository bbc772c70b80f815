// Package notify отвечает за доставку сообщений пользователям.
// Доставка устроена по принципу "отправил и забыл": как минимум один раз,
// без подтверждений; сбой отправки логируется и не блокирует проходы.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Sink описывает приёмник уведомлений, используемый ядром.
type Sink interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// TelegramSink отправляет сообщения через Telegram Bot API.
type TelegramSink struct {
	client *resty.Client
	token  string
	logger *zap.Logger
}

var _ Sink = (*TelegramSink)(nil)

// NewTelegramSink создаёт приёмник уведомлений с указанным токеном бота.
func NewTelegramSink(token string, logger *zap.Logger) *TelegramSink {
	client := resty.New().
		SetBaseURL("https://api.telegram.org").
		SetTimeout(10 * time.Second)

	return &TelegramSink{
		client: client,
		token:  token,
		logger: logger,
	}
}

// Notify отправляет сообщение пользователю. Сетевые сбои и ответ 429
// повторяются с экспоненциальной паузой; прочие ошибки API считаются
// окончательными.
func (s *TelegramSink) Notify(ctx context.Context, userID int64, text string) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := s.client.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"chat_id":    strconv.FormatInt(userID, 10),
				"text":       text,
				"parse_mode": "HTML",
			}).
			Post("/bot" + s.token + "/sendMessage")
		if err != nil {
			return retry.RetryableError(fmt.Errorf("send message: %w", err))
		}

		if resp.StatusCode() == 429 {
			return retry.RetryableError(fmt.Errorf("telegram rate limited"))
		}
		if !resp.IsSuccess() {
			return fmt.Errorf("telegram api status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("notify user %d: %w", userID, err)
	}

	return nil
}

// AdminNotifier рассылает служебные сообщения операторам. Список
// операторов передаётся при конструировании, а не читается из глобального
// состояния.
type AdminNotifier struct {
	sink     Sink
	adminIDs []int64
	logger   *zap.Logger
}

// NewAdminNotifier создаёт рассылку по списку операторов.
func NewAdminNotifier(sink Sink, adminIDs []int64, logger *zap.Logger) *AdminNotifier {
	return &AdminNotifier{
		sink:     sink,
		adminIDs: adminIDs,
		logger:   logger,
	}
}

// NotifyAdmins отправляет сообщение каждому оператору. Сбой доставки
// одному оператору не мешает остальным.
func (a *AdminNotifier) NotifyAdmins(ctx context.Context, text string) {
	for _, id := range a.adminIDs {
		if err := a.sink.Notify(ctx, id, text); err != nil {
			a.logger.Warn("admin notification failed",
				zap.Int64("admin_id", id),
				zap.Error(err),
			)
		}
	}
}
