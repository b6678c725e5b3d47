// AuthCoordinator — публичное лицо подсистемы авторизации. Принимает
// операции от HTTP-слоя, владеет временем жизни каждой ожидающей попытки и
// гоняет весь Telegram-ввод-вывод через диспетчер, чтобы клиенты gotd жили
// строго на одной горутине.
//
// Дисциплина ресурсов: каждый путь, открывший шлюз, закрывает его на каждом
// выходе. Единственное исключение — переход «код принят → ждём пароль 2FA»:
// открытый шлюз удерживается координатором (не хранилищем!) до SubmitPassword
// или до уборки janitor. Хранилище попыток ссылок на шлюзы не содержит;
// имя файла сессии — единственная связь между шагами.

package auth

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"teledrive/internal/auth/fail"
	"teledrive/internal/dispatch"
	"teledrive/internal/infra/clock"
	"teledrive/internal/infra/config"
	"teledrive/internal/infra/logger"
	"teledrive/internal/infra/storage"
	"teledrive/internal/telegram/gateway"
	"teledrive/internal/users"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// maxPasswordAttempts — предел отвергнутых паролей 2FA, после которого
	// попытка уничтожается и вход начинается заново.
	maxPasswordAttempts = 3
	// janitorInterval — период фоновой уборки.
	janitorInterval = 10 * time.Second
	// orphanFileAge — возраст, после которого бесхозный файл временной
	// сессии подлежит удалению.
	orphanFileAge = time.Hour
	// holdCloseTimeout — бюджет best-effort закрытия удержанного шлюза.
	holdCloseTimeout = 5 * time.Second
)

// UserSummary — маскированное представление пользователя для HTTP-слоя.
type UserSummary struct {
	ID          uint64 `json:"id"`
	TelegramID  int64  `json:"telegram_id"`
	Username    string `json:"username"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneMasked string `json:"phone_masked"`
}

// CodeRequested — результат успешного RequestCode.
type CodeRequested struct {
	SessionID    string
	Phone        string
	Timeout      int
	DeliveryType string
}

// VerifyResult — успешный или промежуточный исход VerifyCode/SubmitPassword.
type VerifyResult struct {
	User             *UserSummary
	RequiresPassword bool
	AlreadyCompleted bool
}

// StatusInfo — ответ Status.
type StatusInfo struct {
	Authenticated bool
	User          *UserSummary
}

// Directory — интерфейс локальной базы пользователей (см. users.Directory).
type Directory interface {
	UpsertFromTelegram(tgUser *gateway.User, phone string) (*users.LocalUser, error)
}

// Attempts — интерфейс защиты от перебора (см. users.AttemptTracker).
type Attempts interface {
	RecordAttempt(phone string, success bool)
	IsLockedOut(phone string) bool
	Sweep()
}

// Coordinator связывает хранилище попыток, шлюз Telegram, диспетчер и базу
// пользователей. Создавайте через NewCoordinator; экземпляр один на процесс.
type Coordinator struct {
	cfg      *config.Env
	disp     *dispatch.Dispatcher
	opener   gateway.Opener
	dir      Directory
	attempts Attempts
	store    *Store
	now      clock.Func

	// held — открытые шлюзы попыток в фазе AwaitingPassword.
	heldMu sync.Mutex
	held   map[string]gateway.Gateway

	// ident — кэш личности, подтверждённой последним Status; Logout его стирает.
	identMu sync.RWMutex
	ident   *UserSummary
}

// NewCoordinator собирает координатор поверх готовых зависимостей.
func NewCoordinator(cfg *config.Env, disp *dispatch.Dispatcher, opener gateway.Opener, dir Directory, attempts Attempts) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		disp:     disp,
		opener:   opener,
		dir:      dir,
		attempts: attempts,
		store:    NewStore(),
		now:      clock.Now,
		held:     make(map[string]gateway.Gateway),
	}
}

// Store открывает доступ к хранилищу попыток (для тестов и метрик).
func (c *Coordinator) Store() *Store { return c.store }

// SetClock подменяет источник времени координатора и хранилища (для тестов).
func (c *Coordinator) SetClock(now clock.Func) {
	c.now = now
	c.store.SetClock(now)
}

// newSessionID возвращает 128-битный непрозрачный идентификатор попытки.
func newSessionID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// RequestCode нормализует номер, просит Telegram отправить код подтверждения
// и регистрирует новую ожидающую попытку. Ни один путь с ошибкой попытку не
// создает; файл временной сессии при провале удаляется, если его не держит
// другая живая попытка.
func (c *Coordinator) RequestCode(ctx context.Context, phone, countryCode string, forceSMS bool) (*CodeRequested, error) {
	if countryCode == "" {
		countryCode = c.cfg.CountryCode
	}
	normPhone, err := NormalizePhone(phone, countryCode)
	if err != nil {
		return nil, err
	}

	if c.attempts.IsLockedOut(normPhone) {
		return nil, fail.New(fail.RateLimited, "too many failed attempts for this phone, try again later")
	}

	name := backingSessionName(c.cfg.SessionSalt, normPhone)

	// Вытеснение раньше открытия: предыдущая попытка на том же файле сессии
	// теряет запись и удержанный шлюз до того, как будет открыт новый клиент.
	// Файл держит не более одного подключённого клиента одновременно.
	if old, ok := c.store.EvictByBacking(name); ok {
		c.closeHeld(old.SessionID)
		logger.Debugf("RequestCode: superseded pending session %s", old.SessionID[:8])
	}

	sent, err := dispatch.Call(c.disp, ctx, c.cfg.DispatchTimeout(), func(ctx context.Context) (*gateway.SentCode, error) {
		gw, openErr := c.opener.Open(ctx, name)
		if openErr != nil {
			c.discardBacking(name)
			return nil, openErr
		}
		sc, sendErr := gw.SendCodeRequest(ctx, normPhone, forceSMS)
		// Транспорт отключаем всегда; файл сессии при успехе остаётся —
		// его переиспользует VerifyCode.
		closeQuiet(gw)
		if sendErr != nil {
			c.discardBacking(name)
			return nil, sendErr
		}
		return sc, nil
	})
	if err != nil {
		logger.Warn("RequestCode failed",
			zap.String("phone", maskPhone(normPhone)),
			zap.Error(err))
		return nil, ensureFailure(err)
	}

	now := c.now()
	sess := &PendingSession{
		SessionID:     newSessionID(),
		Phone:         normPhone,
		PhoneCodeHash: sent.PhoneCodeHash,
		BackingName:   name,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.cfg.PendingTTL()),
		State:         StateAwaitingCode,
		CodeTimeout:   sent.Timeout,
	}

	// Страховка от гонки двух одновременных RequestCode: если чужая попытка
	// успела вклиниться между вытеснением и вставкой, вытесняем и её.
	if superseded := c.store.Insert(sess); superseded != nil {
		c.closeHeld(superseded.SessionID)
		logger.Debugf("RequestCode: superseded pending session %s", superseded.SessionID[:8])
	}

	logger.Info("Verification code sent",
		zap.String("phone", maskPhone(normPhone)),
		zap.String("delivery", sent.DeliveryType),
		zap.String("session", sess.SessionID[:8]))

	return &CodeRequested{
		SessionID:    sess.SessionID,
		Phone:        normPhone,
		Timeout:      sent.Timeout,
		DeliveryType: sent.DeliveryType,
	}, nil
}

// signInOutcome — результат задачи входа на цикле диспетчера.
type signInOutcome struct {
	user             *gateway.User
	requiresPassword bool
}

// VerifyCode проверяет код (и, опционально, пароль 2FA) для ожидающей
// попытки. Порядок проверок фиксирован: теневая карта завершённых, уборка,
// single-flight, жёсткий возраст, локальная валидация кода, целостность
// code-hash и только затем Telegram.
func (c *Coordinator) VerifyCode(ctx context.Context, sessionID, code, password string) (*VerifyResult, error) {
	// Дубликат после успеха отвечается из теневой карты, не трогая шлюз.
	if rec := c.store.CompletedFor(sessionID); rec != nil {
		logger.Debugf("VerifyCode: duplicate submit for completed session %s", sessionID[:8])
		return &VerifyResult{AlreadyCompleted: true}, nil
	}

	c.janitorPass()

	found, acquired := c.store.MarkInFlight(sessionID)
	if !found {
		return nil, fail.New(fail.SessionExpired, "session not found or expired, request a new code")
	}
	if !acquired {
		return nil, fail.New(fail.AlreadyInProgress, "verification already in progress, please wait")
	}
	defer c.store.ClearInFlight(sessionID)

	sess, ok := c.store.Get(sessionID)
	if !ok {
		return nil, fail.New(fail.SessionExpired, "session not found or expired, request a new code")
	}

	if c.now().Sub(sess.CreatedAt) > c.cfg.HardMaxAge() {
		c.destroySession(sess)
		return nil, fail.New(fail.SessionExpired, "session is too old, request a new code")
	}

	awaitingPwd := sess.State == StateAwaitingPassword
	if !awaitingPwd && !validCode(code) {
		// Попытка сохраняется: пользователь может исправить опечатку.
		return nil, fail.New(fail.MalformedCode, "verification code must be 4-6 digits")
	}
	if awaitingPwd && password == "" {
		return &VerifyResult{RequiresPassword: true}, nil
	}

	if len(sess.PhoneCodeHash) < 10 {
		c.destroySession(sess)
		return nil, fail.New(fail.SessionCorrupt, "authentication session is inconsistent, request a new code")
	}

	outcome, err := dispatch.Call(c.disp, ctx, c.cfg.DispatchTimeout(), func(ctx context.Context) (signInOutcome, error) {
		return c.signInOnLoop(ctx, sess, code, password, awaitingPwd)
	})
	if err != nil {
		return nil, c.handleSignInError(sess, err)
	}
	if outcome.requiresPassword {
		c.store.SetAwaitingPassword(sessionID)
		return &VerifyResult{RequiresPassword: true}, nil
	}

	return c.finishSignIn(sess, outcome.user)
}

// SubmitPassword завершает вход по паролю 2FA для попытки в фазе
// AwaitingPassword. Тонкая обёртка над VerifyCode: код уже принят и не
// перепроверяется.
func (c *Coordinator) SubmitPassword(ctx context.Context, sessionID, password string) (*VerifyResult, error) {
	if password == "" {
		return nil, fail.New(fail.PasswordRequired, "password must not be empty")
	}
	return c.VerifyCode(ctx, sessionID, "", password)
}

// signInOnLoop — тело задачи входа; исполняется строго на цикле диспетчера.
// Владение шлюзом: закрыт на каждом выходе, кроме перехода в ожидание пароля
// (успешный hold) и повторяемой ошибки пароля (hold сохраняется для ретрая).
func (c *Coordinator) signInOnLoop(ctx context.Context, sess PendingSession, code, password string, awaitingPwd bool) (signInOutcome, error) {
	var zero signInOutcome

	gw := c.takeHeld(sess.SessionID)
	if gw == nil {
		var openErr error
		gw, openErr = c.opener.Open(ctx, sess.BackingName)
		if openErr != nil {
			return zero, openErr
		}
	}

	needPassword := awaitingPwd
	if !awaitingPwd {
		if _, err := gw.SignInWithCode(ctx, sess.Phone, code, sess.PhoneCodeHash); err != nil {
			if !fail.Is(err, fail.PasswordRequired) {
				closeQuiet(gw)
				return zero, err
			}
			if password == "" {
				// Код принят, ждём пароль: шлюз и файл сессии остаются жить.
				c.hold(sess.SessionID, gw)
				return signInOutcome{requiresPassword: true}, nil
			}
			needPassword = true
		}
	}

	if needPassword {
		if _, err := gw.SignInWithPassword(ctx, password); err != nil {
			if fail.Is(err, fail.PasswordInvalid) {
				// Пользователь может повторить пароль; шлюз удерживаем.
				c.hold(sess.SessionID, gw)
				return zero, err
			}
			c.dropHeld(sess.SessionID)
			closeQuiet(gw)
			return zero, err
		}
	}

	user, err := gw.WhoAmI(ctx)
	if err != nil {
		c.dropHeld(sess.SessionID)
		closeQuiet(gw)
		return zero, err
	}

	c.dropHeld(sess.SessionID)
	closeQuiet(gw)

	// Файл сессии попытки становится постоянной авторизованной сессией.
	// Rename выполняется здесь же, на цикле: никакой другой клиент в этот
	// момент файл держать не может.
	src := c.cfg.SessionPath(sess.BackingName)
	dst := c.cfg.DurableSessionPath()
	if promoteErr := storage.PromoteFile(src, dst); promoteErr != nil {
		return zero, fail.Wrap(fail.TransportDown, "cannot persist authorized session", promoteErr)
	}

	return signInOutcome{user: user}, nil
}

// handleSignInError доводит неуспешный исход до терминального состояния
// попытки: уничтожение, удержание для ретрая или сохранение как есть.
func (c *Coordinator) handleSignInError(sess PendingSession, err error) error {
	switch {
	case fail.Is(err, fail.CodeInvalid), fail.Is(err, fail.CodeExpired):
		c.destroySession(sess)
		c.attempts.RecordAttempt(sess.Phone, false)
	case fail.Is(err, fail.PasswordInvalid):
		c.attempts.RecordAttempt(sess.Phone, false)
		if tries := c.store.IncPasswordAttempts(sess.SessionID); tries >= maxPasswordAttempts {
			logger.Warnf("VerifyCode: password retry limit reached for session %s", sess.SessionID[:8])
			c.destroySession(sess)
		}
	default:
		// RateLimited, TransportDown, DispatchTimeout, LoopDown: попытка
		// сохраняется, пользователь может повторить.
	}
	logger.Warn("Sign-in failed",
		zap.String("session", sess.SessionID[:8]),
		zap.String("phone", maskPhone(sess.Phone)),
		zap.Error(err))
	return ensureFailure(err)
}

// finishSignIn фиксирует успешный вход: локальная запись пользователя,
// перенос попытки в теневую карту, кэш личности.
func (c *Coordinator) finishSignIn(sess PendingSession, tgUser *gateway.User) (*VerifyResult, error) {
	local, err := c.dir.UpsertFromTelegram(tgUser, sess.Phone)
	if err != nil {
		logger.Error("Cannot upsert user after sign-in", zap.Error(err))
		return nil, fail.Wrap(fail.TransportDown, "cannot persist user record", err)
	}

	c.store.PromoteToCompleted(sess.SessionID, local.ID)
	c.attempts.RecordAttempt(sess.Phone, true)

	summary := c.summarize(local, sess.Phone)
	c.setIdentity(summary)

	logger.Info("Sign-in completed",
		zap.String("session", sess.SessionID[:8]),
		zap.Int64("telegram_id", local.TelegramID),
		zap.String("phone", summary.PhoneMasked))

	return &VerifyResult{User: summary}, nil
}

// Status проверяет наличие действующей авторизованной сессии. Подтверждённая
// личность кэшируется до Logout, чтобы каждый опрос UI не открывал клиента.
func (c *Coordinator) Status(ctx context.Context) (*StatusInfo, error) {
	if ident := c.identity(); ident != nil {
		return &StatusInfo{Authenticated: true, User: ident}, nil
	}

	user, err := dispatch.Call(c.disp, ctx, c.cfg.DispatchTimeout(), func(ctx context.Context) (*gateway.User, error) {
		gw, openErr := c.opener.Open(ctx, c.cfg.SessionName)
		if openErr != nil {
			return nil, openErr
		}
		defer closeQuiet(gw)

		authorized, statusErr := gw.Authorized(ctx)
		if statusErr != nil {
			return nil, statusErr
		}
		if !authorized {
			return nil, nil
		}
		return gw.WhoAmI(ctx)
	})
	if err != nil {
		return nil, ensureFailure(err)
	}
	if user == nil {
		return &StatusInfo{Authenticated: false}, nil
	}

	local, err := c.dir.UpsertFromTelegram(user, user.Phone)
	if err != nil {
		return nil, fail.Wrap(fail.TransportDown, "cannot persist user record", err)
	}

	summary := c.summarize(local, user.Phone)
	c.setIdentity(summary)
	return &StatusInfo{Authenticated: true, User: summary}, nil
}

// Logout отзывает авторизацию best-effort, удаляет постоянный файл сессии и
// стирает кэшированную личность. Последующий Status гарантированно видит
// чистое состояние.
func (c *Coordinator) Logout(ctx context.Context) error {
	err := c.disp.RunOnLoop(ctx, c.cfg.DispatchTimeout(), func(ctx context.Context) error {
		gw, openErr := c.opener.Open(ctx, c.cfg.SessionName)
		if openErr == nil {
			if logoutErr := gw.LogOut(ctx); logoutErr != nil {
				logger.Debugf("Logout: remote revoke failed: %v", logoutErr)
			}
			closeQuiet(gw)
		}
		if rmErr := storage.RemoveIfExists(c.cfg.DurableSessionPath()); rmErr != nil {
			logger.Warnf("Logout: cannot remove session file: %v", rmErr)
		}
		return nil
	})
	if err != nil {
		// Цикл недоступен: файл никем не держится, убираем напрямую.
		if rmErr := storage.RemoveIfExists(c.cfg.DurableSessionPath()); rmErr != nil {
			logger.Warnf("Logout: cannot remove session file: %v", rmErr)
		}
	}

	c.setIdentity(nil)
	logger.Info("Logged out, durable session cleared")
	return nil
}

// --- кэш личности -----------------------------------------------------------

func (c *Coordinator) identity() *UserSummary {
	c.identMu.RLock()
	defer c.identMu.RUnlock()
	return c.ident
}

func (c *Coordinator) setIdentity(u *UserSummary) {
	c.identMu.Lock()
	c.ident = u
	c.identMu.Unlock()
}

// summarize строит маскированное представление для HTTP-слоя.
func (c *Coordinator) summarize(local *users.LocalUser, phone string) *UserSummary {
	return &UserSummary{
		ID:          local.ID,
		TelegramID:  local.TelegramID,
		Username:    local.Username,
		FirstName:   local.FirstName,
		LastName:    local.LastName,
		PhoneMasked: maskPhone(phone),
	}
}

// --- удержанные шлюзы AwaitingPassword --------------------------------------

// hold запоминает открытый шлюз попытки, ожидающей пароль.
func (c *Coordinator) hold(sessionID string, gw gateway.Gateway) {
	c.heldMu.Lock()
	prev := c.held[sessionID]
	c.held[sessionID] = gw
	c.heldMu.Unlock()
	if prev != nil && prev != gw {
		closeQuiet(prev)
	}
}

// takeHeld изымает удержанный шлюз (если есть); вызывается на цикле.
func (c *Coordinator) takeHeld(sessionID string) gateway.Gateway {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	gw := c.held[sessionID]
	delete(c.held, sessionID)
	return gw
}

// dropHeld снимает удержание без закрытия (шлюз закрывает вызывающий).
func (c *Coordinator) dropHeld(sessionID string) {
	c.heldMu.Lock()
	delete(c.held, sessionID)
	c.heldMu.Unlock()
}

// closeHeld закрывает удержанный шлюз на цикле диспетчера, best-effort.
func (c *Coordinator) closeHeld(sessionID string) {
	c.heldMu.Lock()
	gw := c.held[sessionID]
	delete(c.held, sessionID)
	c.heldMu.Unlock()
	if gw == nil {
		return
	}

	err := c.disp.RunOnLoop(context.Background(), holdCloseTimeout, func(_ context.Context) error {
		closeQuiet(gw)
		return nil
	})
	if err != nil {
		// Цикл остановлен; закрываем на месте, гонок уже нет.
		closeQuiet(gw)
	}
}

// --- уборка ------------------------------------------------------------------

// StartJanitor запускает фоновую уборку с периодом janitorInterval; первый
// проход выполняется сразу, подхватывая мусор, оставшийся с прошлого запуска
// процесса. Горутина живет до отмены ctx.
func (c *Coordinator) StartJanitor(ctx context.Context) {
	go func() {
		c.janitorPass()

		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.janitorPass()
			}
		}
	}()
}

// janitorPass выполняет один проход уборки: вытеснение постаревших попыток,
// чистка теневой карты, окна неудач и бесхозных файлов временных сессий.
// Все файловые сбои логируются и никогда не всплывают.
func (c *Coordinator) janitorPass() {
	for _, sess := range c.store.SweepExpired(c.cfg.HardMaxAge()) {
		logger.Debugf("Janitor: evicting expired session %s", sess.SessionID[:8])
		c.closeHeld(sess.SessionID)
		c.discardBacking(sess.BackingName)
	}

	c.store.SweepCompleted(c.cfg.CompletedRetention())
	c.attempts.Sweep()
	c.sweepOrphanFiles()
}

// discardBacking удаляет файл временной сессии, если его не использует
// другая живая попытка. Best-effort.
func (c *Coordinator) discardBacking(name string) {
	if c.store.BackingInUse(name) {
		return
	}
	if err := storage.RemoveIfExists(c.cfg.SessionPath(name)); err != nil {
		logger.Warnf("Janitor: cannot remove backing session %q: %v", name, err)
	}
}

// sweepOrphanFiles удаляет из data/ файлы временных сессий старше часа,
// не принадлежащие живым попыткам. Постоянная сессия не трогается никогда.
// Возраст меряется по mtime, это показание настенных часов ОС, поэтому
// сравнение идёт с time.Now, а не с инжектированным источником времени.
func (c *Coordinator) sweepOrphanFiles() {
	live := c.store.ActiveBackingNames()
	cutoff := time.Now().Add(-orphanFileAge)

	for _, pattern := range []string{"code_req_*.session", "verify_*.session"} {
		matches, err := filepath.Glob(filepath.Join(c.cfg.DataDir, pattern))
		if err != nil {
			continue
		}
		for _, path := range matches {
			name := filepath.Base(path)
			name = name[:len(name)-len(".session")]
			if _, inUse := live[name]; inUse {
				continue
			}
			info, statErr := os.Stat(path)
			if statErr != nil || info.ModTime().After(cutoff) {
				continue
			}
			if rmErr := os.Remove(path); rmErr != nil {
				logger.Debugf("Janitor: cannot remove orphan %s: %v", path, rmErr)
				continue
			}
			logger.Debugf("Janitor: removed orphan session file %s", path)
		}
	}
}

// destroySession терминально убирает попытку: запись, удержанный шлюз и файл.
func (c *Coordinator) destroySession(sess PendingSession) {
	c.store.Remove(sess.SessionID)
	c.closeHeld(sess.SessionID)
	c.discardBacking(sess.BackingName)
}

// closeQuiet закрывает шлюз, пряча ошибку отключения в debug-лог.
func closeQuiet(gw gateway.Gateway) {
	if gw == nil {
		return
	}
	if err := gw.Close(); err != nil {
		logger.Debugf("Gateway close: %v", err)
	}
}

// ensureFailure гарантирует, что наружу уходит ошибка с Kind из таксономии.
func ensureFailure(err error) error {
	if err == nil {
		return nil
	}
	if f := fail.As(err); f != nil {
		return f
	}
	return fail.Wrap(fail.TransportDown, "internal failure", err)
}
