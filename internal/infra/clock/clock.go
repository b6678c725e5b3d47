// Package clock — источник времени приложения. Все TTL-проверки ожидающих
// авторизаций идут через Now, чтобы тесты могли подменить время без sleep.
package clock

import "time"

// Func возвращает текущее время; тип используется как инъектируемая зависимость.
type Func func() time.Time

// Now — источник времени по умолчанию.
func Now() time.Time {
	return time.Now()
}
