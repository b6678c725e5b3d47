// LoginAttemptTracker — защита от перебора кодов и паролей по номеру телефона.
// Потокобезопасный кэш «номер → недавние неудачи»: серия провалов в пределах
// окна блокирует дальнейшие запросы кода на время lockout. Успешный вход
// сбрасывает счётчик. Хранится только в памяти: после рестарта процесс чист,
// что для персонального инструмента приемлемо.

package users

import (
	"sync"
	"time"

	"teledrive/internal/infra/clock"
	"teledrive/internal/infra/logger"
)

const (
	// attemptWindow — окно, в котором суммируются неудачные попытки.
	attemptWindow = 15 * time.Minute
	// maxFailures — число неудач в окне, после которого номер блокируется.
	maxFailures = 5
	// lockoutPeriod — длительность блокировки после превышения лимита.
	lockoutPeriod = 15 * time.Minute
)

// phoneRecord — счётчик неудач одного номера.
type phoneRecord struct {
	failures    []time.Time
	lockedUntil time.Time
}

// AttemptTracker считает неудачные входы по номерам и отвечает на вопрос
// «не заблокирован ли номер». Все методы потокобезопасны.
type AttemptTracker struct {
	mu   sync.Mutex
	seen map[string]*phoneRecord
	now  clock.Func
}

// NewAttemptTracker создает трекер с системным источником времени.
func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{
		seen: make(map[string]*phoneRecord),
		now:  clock.Now,
	}
}

// SetClock подменяет источник времени (для тестов).
func (t *AttemptTracker) SetClock(now clock.Func) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// RecordAttempt фиксирует исход попытки входа для номера. Успех очищает
// историю; неудача добавляется в окно и при превышении лимита включает
// блокировку.
func (t *AttemptTracker) RecordAttempt(phone string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if success {
		delete(t.seen, phone)
		return
	}

	now := t.now()
	rec := t.seen[phone]
	if rec == nil {
		rec = &phoneRecord{}
		t.seen[phone] = rec
	}

	fresh := rec.failures[:0]
	for _, ts := range rec.failures {
		if now.Sub(ts) <= attemptWindow {
			fresh = append(fresh, ts)
		}
	}
	rec.failures = append(fresh, now)

	if len(rec.failures) >= maxFailures && rec.lockedUntil.Before(now) {
		rec.lockedUntil = now.Add(lockoutPeriod)
		logger.Warnf("AttemptTracker: phone locked out after %d failures", len(rec.failures))
	}
}

// IsLockedOut сообщает, заблокирован ли номер в данный момент.
func (t *AttemptTracker) IsLockedOut(phone string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.seen[phone]
	if rec == nil {
		return false
	}
	return t.now().Before(rec.lockedUntil)
}

// Sweep удаляет записи без актуальных неудач и с истёкшей блокировкой.
// Вызывается тиком janitor координатора.
func (t *AttemptTracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for phone, rec := range t.seen {
		if now.After(rec.lockedUntil) {
			live := rec.failures[:0]
			for _, ts := range rec.failures {
				if now.Sub(ts) <= attemptWindow {
					live = append(live, ts)
				}
			}
			rec.failures = live
			if len(rec.failures) == 0 {
				delete(t.seen, phone)
			}
		}
	}
}
