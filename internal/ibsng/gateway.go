// Package ibsng предоставляет шлюз к устаревшей панели доступа IBSng.
// Панель не имеет API: клиент отправляет HTML-формы админки и разбирает
// ответные страницы. Все операции синхронные, без гарантий идемпотентности
// со стороны панели, поэтому вызывающий код обязан переносить повторное
// применение одного и того же эффекта.
package ibsng

import "context"

// Gateway описывает контракт панели доступа, используемый ядром.
// Фоновые проходы зависят только от этого интерфейса; HTML-клиент —
// деталь одного адаптера, заменяемая фейком в тестах.
type Gateway interface {
	// ResolveAccountID возвращает внутренний идентификатор учётной записи панели.
	ResolveAccountID(ctx context.Context, username string) (string, error)
	// ApplyGroup назначает учётной записи группу тарифного плана.
	ApplyGroup(ctx context.Context, username, group string) error
	// ResetAccount сбрасывает счётчики времени и radius-атрибуты и снимает блокировку.
	ResetAccount(ctx context.Context, username string) error
	// GetServiceWindow возвращает метки начала и истечения обслуживания
	// в формате панели. Пустая строка означает, что метка ещё не назначена.
	GetServiceWindow(ctx context.Context, username string) (startsAt, expiresAt string, err error)
	// GetCumulativeUsage возвращает накопленный трафик в мегабайтах за окно обслуживания.
	GetCumulativeUsage(ctx context.Context, username, startsAt, expiresAt string) (sentMB, receivedMB int64, err error)
	// GetRadiusAttributes возвращает текущие radius-атрибуты учётной записи.
	GetRadiusAttributes(ctx context.Context, username string) (map[string]string, error)
	// ApplyRadiusAttributes записывает radius-атрибуты учётной записи целиком.
	ApplyRadiusAttributes(ctx context.Context, username, attrs string) error
}
