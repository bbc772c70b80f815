// Package jalali — единая граница преобразования между календарём
// джалали, в котором панель доступа хранит метки времени, и абсолютным
// временем. Все сравнения с "сейчас" в фоновых проходах идут через неё.
package jalali

import (
	"fmt"
	"time"

	ptime "github.com/yaa110/go-persian-calendar"
)

// TimestampLayout — формат меток времени панели и колонок starts_at/expires_at.
const TimestampLayout = "yyyy-MM-dd HH:mm"

// Parse разбирает метку времени вида "1403-04-16 09:05" (джалали)
// и возвращает абсолютное время.
func Parse(s string) (time.Time, error) {
	var y, mo, d, h, mi int
	if _, err := fmt.Sscanf(s, "%d-%d-%d %d:%d", &y, &mo, &d, &h, &mi); err != nil {
		return time.Time{}, fmt.Errorf("parse jalali timestamp %q: %w", s, err)
	}
	if mo < 1 || mo > 12 || d < 1 || d > 31 || h < 0 || h > 23 || mi < 0 || mi > 59 {
		return time.Time{}, fmt.Errorf("jalali timestamp %q out of range", s)
	}

	pt := ptime.Date(y, ptime.Month(mo), d, h, mi, 0, 0, ptime.Iran())
	return pt.Time(), nil
}

// Format представляет абсолютное время в формате меток панели.
func Format(t time.Time) string {
	return ptime.New(t.In(ptime.Iran())).Format(TimestampLayout)
}

// FormatReadable представляет время для текстов уведомлений: "1404/04/25 ساعت 16:30".
func FormatReadable(t time.Time) string {
	return ptime.New(t.In(ptime.Iran())).Format("yyyy/MM/dd ساعت HH:mm")
}

// LocalHour возвращает час локальных суток, по которому проверяется
// окно тишины уведомлений.
func LocalHour(t time.Time) int {
	return t.In(ptime.Iran()).Hour()
}
