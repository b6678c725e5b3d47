package auth_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"teledrive/internal/auth"
	"teledrive/internal/auth/fail"
	"teledrive/internal/dispatch"
	"teledrive/internal/infra/config"
	"teledrive/internal/infra/storage"
	"teledrive/internal/telegram/gateway"
	"teledrive/internal/users"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPhone = "+84987654321"

// fakeOpener — управляемая замена шлюза Telegram. Каждый Open создает файл
// сессии (как настоящий клиент, сохраняющий состояние MTProto) и возвращает
// fakeGateway, поведение которого задают поля сценария.
type fakeOpener struct {
	cfg *config.Env

	mu        sync.Mutex
	opens     []string
	gateways  []*fakeGateway
	conflicts []string

	sentCode    *gateway.SentCode
	sendCodeErr error
	signInErr   error
	passwordErr error
	user        *gateway.User
	authorized  bool

	// signInStarted/signInRelease синхронизируют тест конкурентной подачи.
	signInStarted chan struct{}
	signInRelease chan struct{}
}

func newFakeOpener(cfg *config.Env) *fakeOpener {
	return &fakeOpener{
		cfg: cfg,
		sentCode: &gateway.SentCode{
			PhoneCodeHash: "hash-0123456789abcdef",
			Timeout:       60,
			DeliveryType:  "app",
		},
		user: &gateway.User{
			ID:        111222333,
			FirstName: "Linh",
			Username:  "linh",
			Phone:     testPhone,
		},
	}
}

func (o *fakeOpener) Open(_ context.Context, name string) (gateway.Gateway, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := storage.AtomicWriteFile(o.cfg.SessionPath(name), []byte("mtproto-state")); err != nil {
		return nil, err
	}
	// Файл сессии может держать только один подключённый клиент: фиксируем
	// открытие поверх ещё не закрытого шлюза с тем же именем.
	for _, prev := range o.gateways {
		if prev.name == name && !prev.isClosed() {
			o.conflicts = append(o.conflicts, name)
		}
	}
	gw := &fakeGateway{opener: o, name: name}
	o.opens = append(o.opens, name)
	o.gateways = append(o.gateways, gw)
	return gw, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opens)
}

func (o *fakeOpener) backingName() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[0]
}

// lastGateway возвращает шлюз последнего Open, не полагаясь на позицию в срезе.
func (o *fakeOpener) lastGateway() *fakeGateway {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gateways[len(o.gateways)-1]
}

func (o *fakeOpener) conflictingOpens() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.conflicts...)
}

type fakeGateway struct {
	opener *fakeOpener
	name   string

	mu     sync.Mutex
	closed bool
}

func (g *fakeGateway) SendCodeRequest(context.Context, string, bool) (*gateway.SentCode, error) {
	if g.opener.sendCodeErr != nil {
		return nil, g.opener.sendCodeErr
	}
	return g.opener.sentCode, nil
}

func (g *fakeGateway) SignInWithCode(context.Context, string, string, string) (*gateway.User, error) {
	if g.opener.signInStarted != nil {
		g.opener.signInStarted <- struct{}{}
		<-g.opener.signInRelease
	}
	if g.opener.signInErr != nil {
		return nil, g.opener.signInErr
	}
	return g.opener.user, nil
}

func (g *fakeGateway) SignInWithPassword(context.Context, string) (*gateway.User, error) {
	if g.opener.passwordErr != nil {
		return nil, g.opener.passwordErr
	}
	return g.opener.user, nil
}

func (g *fakeGateway) WhoAmI(context.Context) (*gateway.User, error) {
	return g.opener.user, nil
}

func (g *fakeGateway) Authorized(context.Context) (bool, error) {
	return g.opener.authorized, nil
}

func (g *fakeGateway) LogOut(context.Context) error { return nil }

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// fakeDirectory — замена bbolt-базы пользователей.
type fakeDirectory struct {
	mu      sync.Mutex
	upserts int
}

func (d *fakeDirectory) UpsertFromTelegram(tgUser *gateway.User, phone string) (*users.LocalUser, error) {
	d.mu.Lock()
	d.upserts++
	d.mu.Unlock()
	return &users.LocalUser{
		ID:         1,
		TelegramID: tgUser.ID,
		Username:   tgUser.Username,
		FirstName:  tgUser.FirstName,
		LastName:   tgUser.LastName,
		Phone:      phone,
		AuthMethod: "telegram",
	}, nil
}

// harness собирает координатор с реальным диспетчером и фальшивым шлюзом.
type harness struct {
	cfg      *config.Env
	opener   *fakeOpener
	dir      *fakeDirectory
	attempts *users.AttemptTracker
	coor     *auth.Coordinator
	clk      *testClockT
}

type testClockT struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *testClockT) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *testClockT) Advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Env{
		APIID:                 1,
		APIHash:               "testhash",
		DataDir:               t.TempDir(),
		SessionName:           "session",
		SessionSalt:           "salt",
		CountryCode:           "+84",
		ThrottleRPS:           10,
		PendingTTLSec:         600,
		HardMaxAgeSec:         600,
		CompletedRetentionSec: 300,
		DispatchTimeoutSec:    5,
	}

	disp := dispatch.New()
	disp.Start()
	t.Cleanup(disp.Stop)

	opener := newFakeOpener(cfg)
	dir := &fakeDirectory{}
	attempts := users.NewAttemptTracker()
	coor := auth.NewCoordinator(cfg, disp, opener, dir, attempts)

	clk := &testClockT{cur: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	coor.SetClock(clk.Now)
	attempts.SetClock(clk.Now)

	return &harness{cfg: cfg, opener: opener, dir: dir, attempts: attempts, coor: coor, clk: clk}
}

func (h *harness) backingPath() string {
	return h.cfg.SessionPath(h.opener.backingName())
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	t.Fatalf("stat %s: %v", path, err)
	return false
}

func TestHappyPathSignIn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	code, err := h.coor.RequestCode(ctx, "0987654321", "+84", false)
	require.NoError(t, err)
	assert.Equal(t, testPhone, code.Phone)
	assert.Equal(t, 60, code.Timeout)
	assert.Equal(t, "app", code.DeliveryType)
	assert.Len(t, code.SessionID, 32)
	assert.True(t, fileExists(t, h.backingPath()), "backing session file must survive RequestCode")

	res, err := h.coor.VerifyCode(ctx, code.SessionID, "12345", "")
	require.NoError(t, err)
	require.NotNil(t, res.User)
	assert.Equal(t, "+84***321", res.User.PhoneMasked)
	assert.Equal(t, "linh", res.User.Username)

	// Временная сессия повышена до постоянной; попытки в хранилище нет.
	assert.False(t, fileExists(t, h.backingPath()))
	assert.True(t, fileExists(t, h.cfg.DurableSessionPath()))
	assert.Zero(t, h.coor.Store().Len())

	// Дубликат после успеха отвечается из теневой карты, без Telegram.
	opens := h.opener.openCount()
	dup, err := h.coor.VerifyCode(ctx, code.SessionID, "12345", "")
	require.NoError(t, err)
	assert.True(t, dup.AlreadyCompleted)
	assert.Equal(t, opens, h.opener.openCount())
}

func TestTwoFactorSignIn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.opener.signInErr = fail.New(fail.PasswordRequired, "two-factor authentication password required")

	code, err := h.coor.RequestCode(ctx, testPhone, "+84", false)
	require.NoError(t, err)

	res, err := h.coor.VerifyCode(ctx, code.SessionID, "12345", "")
	require.NoError(t, err)
	assert.True(t, res.RequiresPassword)
	assert.Nil(t, res.User)

	// Шлюз удержан для второго шага: файл сессии жив, клиент не закрыт.
	verifyGW := h.opener.lastGateway()
	assert.False(t, verifyGW.isClosed())
	assert.True(t, fileExists(t, h.backingPath()))

	// Пустой пароль — не ошибка, а повторное приглашение.
	res, err = h.coor.VerifyCode(ctx, code.SessionID, "", "")
	require.NoError(t, err)
	assert.True(t, res.RequiresPassword)

	res, err = h.coor.SubmitPassword(ctx, code.SessionID, "hunter2")
	require.NoError(t, err)
	require.NotNil(t, res.User)
	assert.Equal(t, "+84***321", res.User.PhoneMasked)

	// Удержанный шлюз переиспользован (нового Open не было) и закрыт.
	assert.Equal(t, 2, h.opener.openCount())
	assert.True(t, verifyGW.isClosed())
	assert.True(t, fileExists(t, h.cfg.DurableSessionPath()))
}

func TestWrongPasswordRetriesThenDestroys(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.opener.signInErr = fail.New(fail.PasswordRequired, "two-factor authentication password required")
	h.opener.passwordErr = fail.New(fail.PasswordInvalid, "telegram rejected the password")

	code, err := h.coor.RequestCode(ctx, testPhone, "+84", false)
	require.NoError(t, err)

	res, err := h.coor.VerifyCode(ctx, code.SessionID, "12345", "")
	require.NoError(t, err)
	require.True(t, res.RequiresPassword)

	// Две неудачи: попытка жива, пароль можно повторить.
	for i := 0; i < 2; i++ {
		_, err = h.coor.SubmitPassword(ctx, code.SessionID, "wrong")
		require.Error(t, err)
		assert.True(t, fail.Is(err, fail.PasswordInvalid))
	}
	assert.Equal(t, 1, h.coor.Store().Len())

	// Третья неудача исчерпывает лимит: попытка уничтожена.
	_, err = h.coor.SubmitPassword(ctx, code.SessionID, "wrong")
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.PasswordInvalid))
	assert.Zero(t, h.coor.Store().Len())
	assert.False(t, fileExists(t, h.backingPath()))

	_, err = h.coor.SubmitPassword(ctx, code.SessionID, "hunter2")
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.SessionExpired))
}

func TestConcurrentVerifySingleFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.opener.signInStarted = make(chan struct{})
	h.opener.signInRelease = make(chan struct{})

	code, err := h.coor.RequestCode(ctx, testPhone, "+84", false)
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() {
		_, verifyErr := h.coor.VerifyCode(ctx, code.SessionID, "12345", "")
		firstDone <- verifyErr
	}()

	// Дожидаемся, пока первый вызов дойдёт до Telegram, и подаём второй.
	<-h.opener.signInStarted
	_, err = h.coor.VerifyCode(ctx, code.SessionID, "12345", "")
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.AlreadyInProgress))

	close(h.opener.signInRelease)
	require.NoError(t, <-firstDone)
}

func TestExpiredCodeDestroysSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.opener.signInErr = fail.New(fail.CodeExpired, "the verification code has expired")

	code, err := h.coor.RequestCode(ctx, testPhone, "+84", false)
	require.NoError(t, err)
	backing := h.backingPath()

	_, err = h.coor.VerifyCode(ctx, code.SessionID, "12345", "")
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.CodeExpired))

	// Попытка уничтожена вместе с файлом; повтор — уже SessionExpired.
	assert.Zero(t, h.coor.Store().Len())
	assert.False(t, fileExists(t, backing))

	_, err = h.coor.VerifyCode(ctx, code.SessionID, "12345", "")
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.SessionExpired))
}

func TestMalformedCodeKeepsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	code, err := h.coor.RequestCode(ctx, testPhone, "+84", false)
	require.NoError(t, err)
	opens := h.opener.openCount()

	_, err = h.coor.VerifyCode(ctx, code.SessionID, "12a", "")
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.MalformedCode))

	// Локальный отказ: Telegram не трогали, попытка пригодна для повтора.
	assert.Equal(t, opens, h.opener.openCount())
	assert.Equal(t, 1, h.coor.Store().Len())

	res, err := h.coor.VerifyCode(ctx, code.SessionID, "12345", "")
	require.NoError(t, err)
	require.NotNil(t, res.User)
}

func TestAgedOutSessionExpires(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	code, err := h.coor.RequestCode(ctx, testPhone, "+84", false)
	require.NoError(t, err)
	backing := h.backingPath()

	h.clk.Advance(11 * time.Minute)

	_, err = h.coor.VerifyCode(ctx, code.SessionID, "12345", "")
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.SessionExpired))
	assert.Zero(t, h.coor.Store().Len())
	assert.False(t, fileExists(t, backing))
}

func TestInvalidPhoneNeverCreatesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.coor.RequestCode(context.Background(), "abc", "+84", false)
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.InvalidPhone))
	assert.Zero(t, h.coor.Store().Len())
	assert.Zero(t, h.opener.openCount())
}

func TestLockedOutPhoneIsRateLimited(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.attempts.RecordAttempt(testPhone, false)
	}

	_, err := h.coor.RequestCode(context.Background(), testPhone, "+84", false)
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.RateLimited))
	assert.Zero(t, h.opener.openCount())
}

func TestRepeatedRequestCodeSupersedes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coor.RequestCode(ctx, testPhone, "+84", false)
	require.NoError(t, err)
	second, err := h.coor.RequestCode(ctx, testPhone, "+84", false)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	// Старая попытка вытеснена: жива ровно одна, и это новая.
	assert.Equal(t, 1, h.coor.Store().Len())
	_, err = h.coor.VerifyCode(ctx, first.SessionID, "12345", "")
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.SessionExpired))

	res, err := h.coor.VerifyCode(ctx, second.SessionID, "12345", "")
	require.NoError(t, err)
	require.NotNil(t, res.User)
}

func TestRequestCodeClosesHeldGatewayBeforeOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.opener.signInErr = fail.New(fail.PasswordRequired, "two-factor authentication password required")

	// Первая попытка доходит до ожидания пароля: шлюз удержан открытым.
	first, err := h.coor.RequestCode(ctx, testPhone, "+84", false)
	require.NoError(t, err)
	res, err := h.coor.VerifyCode(ctx, first.SessionID, "12345", "")
	require.NoError(t, err)
	require.True(t, res.RequiresPassword)

	heldGW := h.opener.lastGateway()
	require.False(t, heldGW.isClosed())

	// Повторный запрос кода для того же номера обязан закрыть удержанный
	// шлюз до открытия нового клиента на том же файле сессии.
	second, err := h.coor.RequestCode(ctx, testPhone, "+84", false)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.True(t, heldGW.isClosed(), "superseded 2FA gateway must be closed before a new client opens")
	assert.Empty(t, h.opener.conflictingOpens(), "two clients shared one session file")

	// Старая попытка вытеснена целиком: пароль к ней уже не принимается.
	_, err = h.coor.SubmitPassword(ctx, first.SessionID, "hunter2")
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.SessionExpired))
	assert.Equal(t, 1, h.coor.Store().Len())
}

func TestStatusAndLogout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	// Без сессии статус отрицательный.
	info, err := h.coor.Status(ctx)
	require.NoError(t, err)
	assert.False(t, info.Authenticated)

	h.opener.authorized = true
	info, err = h.coor.Status(ctx)
	require.NoError(t, err)
	require.True(t, info.Authenticated)
	assert.Equal(t, "+84***321", info.User.PhoneMasked)

	// Подтверждённая личность кэшируется: повторный Status не открывает клиента.
	opens := h.opener.openCount()
	info, err = h.coor.Status(ctx)
	require.NoError(t, err)
	assert.True(t, info.Authenticated)
	assert.Equal(t, opens, h.opener.openCount())

	require.NoError(t, h.coor.Logout(ctx))
	assert.False(t, fileExists(t, h.cfg.DurableSessionPath()))

	// Кэш стёрт: следующий Status снова спрашивает Telegram.
	h.opener.authorized = false
	info, err = h.coor.Status(ctx)
	require.NoError(t, err)
	assert.False(t, info.Authenticated)
}

func TestJanitorEvictsExpiredAndOrphans(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coor.RequestCode(ctx, testPhone, "+84", false)
	require.NoError(t, err)
	backing := h.backingPath()

	// Бесхозный файл двухчасовой давности.
	orphan := h.cfg.SessionPath("code_req_deadbeef")
	require.NoError(t, storage.AtomicWriteFile(orphan, []byte("stale")))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	h.clk.Advance(11 * time.Minute)

	// Уборка встроена в VerifyCode; чужой session_id лишь запускает проход.
	_, err = h.coor.VerifyCode(ctx, "0000000000000000", "12345", "")
	require.Error(t, err)
	assert.True(t, fail.Is(err, fail.SessionExpired))

	assert.Zero(t, h.coor.Store().Len())
	assert.False(t, fileExists(t, backing), "expired attempt backing file must be removed")
	assert.False(t, fileExists(t, orphan), "orphan session file must be removed")
}
