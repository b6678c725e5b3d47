// Package gateway — тонкий фасад над gotd для координатора авторизации.
// Один Client обёртывает один MTProto‑клиент, привязанный к своему файлу
// сессии; несколько экземпляров сосуществуют (постоянная сессия + временные
// сессии попыток), но все живут на горутине диспетчера. Ошибки библиотеки
// здесь же переводятся в закрытую таксономию fail, чтобы координатор и HTTP
// никогда не видели типов gotd.
package gateway

import (
	"context"
	"strings"

	"teledrive/internal/auth/fail"
	"teledrive/internal/infra/config"
	"teledrive/internal/infra/logger"
	tdstorage "teledrive/internal/telegram/session"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/bg"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"golang.org/x/time/rate"
)

// floodRetries ограничивает автоматические повторы коротких FLOOD_WAIT внутри
// middleware; длинные ожидания всплывают наружу как RateLimited.
const floodRetries = 2

// User — утиная запись пользователя Telegram. Отсутствующие поля — пустые строки.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	Phone     string
}

// SentCode — результат SendCodeRequest: хэш для последующего SignIn,
// подсказка о сроке жизни кода и канал доставки.
type SentCode struct {
	PhoneCodeHash string
	Timeout       int
	DeliveryType  string
}

// Gateway — операции одного открытого клиента. Все методы должны вызываться
// на горутине диспетчера; время жизни ограничено вызовом Close.
type Gateway interface {
	SendCodeRequest(ctx context.Context, phone string, forceSMS bool) (*SentCode, error)
	SignInWithCode(ctx context.Context, phone, code, codeHash string) (*User, error)
	SignInWithPassword(ctx context.Context, password string) (*User, error)
	WhoAmI(ctx context.Context) (*User, error)
	Authorized(ctx context.Context) (bool, error)
	LogOut(ctx context.Context) error
	Close() error
}

// Opener создает подключённый Gateway поверх файла сессии с заданным именем.
// Потребители зависят от интерфейса, чтобы тесты могли подставить заглушку.
type Opener interface {
	Open(ctx context.Context, name string) (Gateway, error)
}

// TDOpener — боевая реализация Opener поверх gotd.
type TDOpener struct {
	cfg *config.Env
}

// NewOpener создает Opener с конфигурацией доступа к Telegram API.
func NewOpener(cfg *config.Env) *TDOpener {
	return &TDOpener{cfg: cfg}
}

var _ Opener = (*TDOpener)(nil)

// Open конструирует клиента gotd поверх файла сессии name, подключает его в
// фоне и дожидается готовности. Неудачное подключение — TransportDown; ресурсы
// при этом освобождены. Успешный Open обязывает вызывающего к Close на каждом
// пути выхода.
func (o *TDOpener) Open(ctx context.Context, name string) (Gateway, error) {
	options := telegram.Options{
		SessionStorage: &tdstorage.FileStorage{Path: o.cfg.SessionPath(name)},
		// Авторизационным клиентам апдейты не нужны; без этого флага gotd
		// заводит лишнюю механику поверх каждой временной сессии.
		NoUpdates: true,
		Middlewares: []telegram.Middleware{
			floodwait.NewSimpleWaiter().WithMaxRetries(floodRetries),
			ratelimit.New(rate.Limit(o.cfg.ThrottleRPS), o.cfg.ThrottleRPS*2),
		},
	}
	if o.cfg.TestDC {
		options.DCList = dcs.Test()
	}

	client := telegram.NewClient(o.cfg.APIID, o.cfg.APIHash, options)

	stop, err := bg.Connect(client, bg.WithContext(ctx))
	if err != nil {
		return nil, fail.Wrap(fail.TransportDown, "cannot connect to telegram", err)
	}

	logger.Debugf("Gateway: session %q connected", name)
	return &Client{name: name, client: client, stop: stop}, nil
}

// Client — один подключённый клиент gotd, привязанный к файлу сессии name.
type Client struct {
	name   string
	client *telegram.Client
	stop   bg.StopFunc
}

var _ Gateway = (*Client)(nil)

// SendCodeRequest запрашивает у Telegram отправку кода подтверждения.
// forceSMS повторяет запрос через AuthResendCode, если первый код ушёл в
// приложение: так Telethon реализует force_sms, и поведение сохранено.
func (c *Client) SendCodeRequest(ctx context.Context, phone string, forceSMS bool) (*SentCode, error) {
	sent, err := c.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return nil, mapError(err)
	}

	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return nil, fail.New(fail.TransportDown, "unexpected sent code type from telegram")
	}

	if forceSMS {
		if _, isApp := code.Type.(*tg.AuthSentCodeTypeApp); isApp {
			resent, resendErr := c.client.API().AuthResendCode(ctx, &tg.AuthResendCodeRequest{
				PhoneNumber:   phone,
				PhoneCodeHash: code.PhoneCodeHash,
			})
			if resendErr != nil {
				// Код уже доставлен в приложение; неудачный resend не фатален.
				logger.Warnf("Gateway: force SMS resend failed: %v", resendErr)
			} else if resentCode, isSent := resent.(*tg.AuthSentCode); isSent {
				code = resentCode
			}
		}
	}

	timeout, _ := code.GetTimeout()
	return &SentCode{
		PhoneCodeHash: code.PhoneCodeHash,
		Timeout:       timeout,
		DeliveryType:  deliveryType(code.Type),
	}, nil
}

// SignInWithCode завершает вход по коду. Требование пароля 2FA — не сбой
// транспорта, а отдельный исход PasswordRequired.
func (c *Client) SignInWithCode(ctx context.Context, phone, code, codeHash string) (*User, error) {
	authz, err := c.client.Auth().SignIn(ctx, phone, code, codeHash)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordAuthNeeded) {
			return nil, fail.New(fail.PasswordRequired, "two-factor authentication password required")
		}
		return nil, mapError(err)
	}
	return fromAuthorization(authz), nil
}

// SignInWithPassword завершает вход по паролю 2FA (SRP выполняет gotd).
func (c *Client) SignInWithPassword(ctx context.Context, password string) (*User, error) {
	authz, err := c.client.Auth().Password(ctx, password)
	if err != nil {
		return nil, mapError(err)
	}
	return fromAuthorization(authz), nil
}

// WhoAmI возвращает владельца текущей сессии.
func (c *Client) WhoAmI(ctx context.Context) (*User, error) {
	self, err := c.client.Self(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return fromTG(self), nil
}

// Authorized сообщает, несёт ли открытая сессия действующую авторизацию.
func (c *Client) Authorized(ctx context.Context) (bool, error) {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return false, mapError(err)
	}
	return status.Authorized, nil
}

// LogOut отзывает авторизацию на стороне Telegram. Best-effort: локальная
// очистка файла сессии выполняется вызывающим независимо от результата.
func (c *Client) LogOut(ctx context.Context) error {
	if _, err := c.client.API().AuthLogOut(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// Close гасит фоновое подключение. Идемпотентен.
func (c *Client) Close() error {
	if c.stop == nil {
		return nil
	}
	stop := c.stop
	c.stop = nil
	if err := stop(); err != nil {
		logger.Debugf("Gateway: session %q disconnect: %v", c.name, err)
		return err
	}
	logger.Debugf("Gateway: session %q disconnected", c.name)
	return nil
}

// fromAuthorization извлекает пользователя из результата авторизации.
func fromAuthorization(a *tg.AuthAuthorization) *User {
	if a == nil {
		return &User{}
	}
	if u, ok := a.User.(*tg.User); ok {
		return fromTG(u)
	}
	return &User{}
}

// fromTG переводит tg.User в утиную запись; отсутствующие поля — пустые строки.
func fromTG(u *tg.User) *User {
	if u == nil {
		return &User{}
	}
	return &User{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
		Phone:     u.Phone,
	}
}

// deliveryType возвращает человекочитаемый канал доставки кода.
func deliveryType(t tg.AuthSentCodeTypeClass) string {
	switch t.(type) {
	case *tg.AuthSentCodeTypeApp:
		return "app"
	case *tg.AuthSentCodeTypeSMS:
		return "sms"
	case *tg.AuthSentCodeTypeCall:
		return "call"
	case *tg.AuthSentCodeTypeFlashCall:
		return "flash_call"
	default:
		return strings.TrimPrefix(t.TypeName(), "auth.sentCodeType")
	}
}

// mapError переводит ошибку gotd в закрытую таксономию. Порядок важен:
// flood-подсказка содержательнее общего кода ошибки.
func mapError(err error) error {
	if d, ok := tgerr.AsFloodWait(err); ok {
		return fail.FloodWait(int(d.Seconds()), err)
	}
	switch {
	case tgerr.Is(err, "PHONE_NUMBER_INVALID"), tgerr.Is(err, "PHONE_NUMBER_BANNED"):
		return fail.Wrap(fail.InvalidPhone, "telegram rejected the phone number", err)
	case tgerr.Is(err, "PHONE_CODE_INVALID"), tgerr.Is(err, "PHONE_CODE_EMPTY"):
		return fail.Wrap(fail.CodeInvalid, "telegram rejected the verification code", err)
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		return fail.Wrap(fail.CodeExpired, "the verification code has expired", err)
	case tgerr.Is(err, "SESSION_PASSWORD_NEEDED"):
		return fail.New(fail.PasswordRequired, "two-factor authentication password required")
	case tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return fail.Wrap(fail.PasswordInvalid, "telegram rejected the password", err)
	default:
		return fail.Wrap(fail.TransportDown, "telegram call failed", err)
	}
}
