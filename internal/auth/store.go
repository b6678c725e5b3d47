// PendingSessionStore — потокобезопасная карта ожидающих попыток авторизации
// плюс теневая карта недавно завершённых. Все операции O(1) под одним
// мьютексом; долгих вызовов под блокировкой нет. Время берётся из
// инъектируемого источника, чтобы тесты старения не спали.

package auth

import (
	"sync"
	"time"

	"teledrive/internal/infra/clock"
)

// State — фаза жизненного цикла ожидающей попытки.
type State int

const (
	// StateAwaitingCode — код отправлен, ждём ввода пользователя.
	StateAwaitingCode State = iota
	// StateAwaitingPassword — код принят, Telegram требует пароль 2FA.
	StateAwaitingPassword
	// StateCompleted — вход завершён; запись живет только в теневой карте.
	StateCompleted
	// StateFailed — терминальная неудача; запись подлежит удалению.
	StateFailed
)

// PendingSession — одна попытка авторизации в полёте. Мутируется только
// методами Store под его мьютексом; наружу выдаются копии.
type PendingSession struct {
	SessionID     string
	Phone         string
	PhoneCodeHash string
	// BackingName — имя файла сессии на диске; единственная «ручка»,
	// связывающая шаги одной попытки между собой.
	BackingName string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	State       State
	// CodeTimeout — подсказка Telegram о сроке жизни кода, секунды.
	CodeTimeout int
	// PasswordAttempts — счётчик отвергнутых паролей 2FA.
	PasswordAttempts int

	inFlight bool
}

// CompletedRecord — теневая запись об успешном входе; поглощает дубликаты
// VerifyCode, пришедшие после успеха.
type CompletedRecord struct {
	SessionID   string
	CompletedAt time.Time
	UserID      uint64
}

// Store — in-memory хранилище попыток. Создавайте через NewStore.
type Store struct {
	mu        sync.Mutex
	pending   map[string]*PendingSession
	completed map[string]*CompletedRecord
	now       clock.Func
}

// NewStore создает пустое хранилище с системным временем.
func NewStore() *Store {
	return &Store{
		pending:   make(map[string]*PendingSession),
		completed: make(map[string]*CompletedRecord),
		now:       clock.Now,
	}
}

// SetClock подменяет источник времени (для тестов).
func (s *Store) SetClock(now clock.Func) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Insert добавляет новую попытку. Если другая незавершённая попытка уже
// привязана к тому же файлу сессии (повторный запрос кода для того же
// номера), она вытесняется и возвращается вызывающему для очистки —
// два клиента не имеют права держать один файл.
func (s *Store) Insert(sess *PendingSession) (superseded *PendingSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.pending {
		if p.BackingName == sess.BackingName && id != sess.SessionID {
			superseded = p
			delete(s.pending, id)
			break
		}
	}
	s.pending[sess.SessionID] = sess
	return superseded
}

// Get возвращает копию попытки и признак её существования.
func (s *Store) Get(sessionID string) (PendingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[sessionID]
	if !ok {
		return PendingSession{}, false
	}
	return *p, true
}

// Len возвращает число ожидающих попыток.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// BackingInUse сообщает, привязана ли какая-нибудь незавершённая попытка к
// файлу сессии с данным именем.
func (s *Store) BackingInUse(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pending {
		if p.BackingName == name {
			return true
		}
	}
	return false
}

// EvictByBacking удаляет незавершённую попытку, привязанную к файлу сессии
// name, и возвращает её копию для очистки ресурсов. Вызывается до открытия
// нового клиента на том же файле: файл держит не более одного клиента.
func (s *Store) EvictByBacking(name string) (PendingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.pending {
		if p.BackingName == name {
			delete(s.pending, id)
			return *p, true
		}
	}
	return PendingSession{}, false
}

// ActiveBackingNames возвращает имена файлов сессий всех живых попыток;
// janitor не трогает эти файлы при уборке сирот.
func (s *Store) ActiveBackingNames() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make(map[string]struct{}, len(s.pending))
	for _, p := range s.pending {
		names[p.BackingName] = struct{}{}
	}
	return names
}

// MarkInFlight атомарно захватывает single-flight флаг попытки.
// found=false — попытки нет; acquired=false — другой вызов уже выполняется.
func (s *Store) MarkInFlight(sessionID string) (found, acquired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[sessionID]
	if !ok {
		return false, false
	}
	if p.inFlight {
		return true, false
	}
	p.inFlight = true
	return true, true
}

// ClearInFlight снимает single-flight флаг. Обязан вызываться на каждом пути
// выхода операции, захватившей флаг; отсутствие попытки — не ошибка (её мог
// удалить janitor).
func (s *Store) ClearInFlight(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[sessionID]; ok {
		p.inFlight = false
	}
}

// SetAwaitingPassword переводит попытку в фазу ожидания пароля 2FA.
func (s *Store) SetAwaitingPassword(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[sessionID]; ok {
		p.State = StateAwaitingPassword
	}
}

// IncPasswordAttempts увеличивает счётчик отвергнутых паролей и возвращает
// новое значение.
func (s *Store) IncPasswordAttempts(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[sessionID]
	if !ok {
		return 0
	}
	p.PasswordAttempts++
	return p.PasswordAttempts
}

// Remove удаляет попытку и возвращает её копию, если она существовала.
func (s *Store) Remove(sessionID string) (PendingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[sessionID]
	if !ok {
		return PendingSession{}, false
	}
	delete(s.pending, sessionID)
	return *p, true
}

// PromoteToCompleted атомарно переносит попытку в теневую карту завершённых.
func (s *Store) PromoteToCompleted(sessionID string, userID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[sessionID]; ok {
		p.State = StateCompleted
		delete(s.pending, sessionID)
	}
	s.completed[sessionID] = &CompletedRecord{
		SessionID:   sessionID,
		CompletedAt: s.now(),
		UserID:      userID,
	}
}

// CompletedFor возвращает теневую запись для session_id в пределах срока
// хранения или nil.
func (s *Store) CompletedFor(sessionID string) *CompletedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.completed[sessionID]
	if !ok {
		return nil
	}
	out := *rec
	return &out
}

// SweepExpired удаляет попытки старше maxAge и возвращает их копии: файлы и
// удержанные шлюзы вытесненных попыток чистит вызывающий. Попытки с
// захваченным single-flight флагом не трогаем — их исход решит текущий вызов.
func (s *Store) SweepExpired(maxAge time.Duration) []PendingSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var evicted []PendingSession
	for id, p := range s.pending {
		if p.inFlight {
			continue
		}
		if now.Sub(p.CreatedAt) > maxAge {
			evicted = append(evicted, *p)
			delete(s.pending, id)
		}
	}
	return evicted
}

// SweepCompleted удаляет теневые записи старше retention.
func (s *Store) SweepCompleted(retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, rec := range s.completed {
		if now.Sub(rec.CompletedAt) > retention {
			delete(s.completed, id)
		}
	}
}
