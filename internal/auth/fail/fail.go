// Package fail — закрытая таксономия ошибок авторизации, которую видит HTTP‑слой.
// Любая ошибка, покидающая координатор, обязана нести стабильный Kind: UI
// различает ошибки только по нему и никогда не парсит текст сообщения.
// Внутренние причины (ошибки gotd, сетевые сбои) заворачиваются в Cause и
// остаются в логах.
package fail

import "fmt"

// Kind — стабильный машинный код ошибки авторизации.
type Kind string

const (
	// InvalidPhone — телефон отвергнут Telegram или не прошёл локальную проверку.
	InvalidPhone Kind = "InvalidPhone"
	// RateLimited — flood/back-off от Telegram; Seconds подсказывает время ожидания.
	RateLimited Kind = "RateLimited"
	// SessionExpired — session_id неизвестен или попытка старше HardMaxAge.
	SessionExpired Kind = "SessionExpired"
	// AlreadyInProgress — конкурентная отправка для той же попытки.
	AlreadyInProgress Kind = "AlreadyInProgress"
	// MalformedCode — код не из 4–6 цифр; попытка сохраняется для повтора.
	MalformedCode Kind = "MalformedCode"
	// CodeInvalid — Telegram отверг код; попытка уничтожается.
	CodeInvalid Kind = "CodeInvalid"
	// CodeExpired — код истёк на стороне Telegram; попытка уничтожается.
	CodeExpired Kind = "CodeExpired"
	// PasswordRequired — включена 2FA, пароль ещё не передан.
	PasswordRequired Kind = "PasswordRequired"
	// PasswordInvalid — пароль 2FA отвергнут; попытка сохраняется до лимита.
	PasswordInvalid Kind = "PasswordInvalid"
	// SessionCorrupt — внутренняя несогласованность попытки (например, пустой code-hash).
	SessionCorrupt Kind = "SessionCorrupt"
	// TransportDown — сетевой сбой или сбой клиентской библиотеки.
	TransportDown Kind = "TransportDown"
	// DispatchTimeout — задача не уложилась в бюджет цикла диспетчера.
	DispatchTimeout Kind = "DispatchTimeout"
	// LoopDown — диспетчер не запущен; запрос обслужить нечем.
	LoopDown Kind = "LoopDown"
)

// Failure — терминальная ошибка авторизации с машинным Kind и человеческим
// сообщением. Seconds заполняется только для RateLimited.
type Failure struct {
	Kind    Kind
	Message string
	Seconds int
	Cause   error
}

// Error реализует error.
func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap раскрывает внутреннюю причину для errors.Is/As.
func (f *Failure) Unwrap() error { return f.Cause }

// New создает Failure с заданным Kind и сообщением.
func New(kind Kind, message string) *Failure {
	return &Failure{Kind: kind, Message: message}
}

// Wrap создает Failure, сохраняя первопричину.
func Wrap(kind Kind, message string, cause error) *Failure {
	return &Failure{Kind: kind, Message: message, Cause: cause}
}

// FloodWait создает RateLimited с подсказкой ожидания в секундах.
func FloodWait(seconds int, cause error) *Failure {
	return &Failure{
		Kind:    RateLimited,
		Message: fmt.Sprintf("telegram asks to wait %d seconds before retrying", seconds),
		Seconds: seconds,
		Cause:   cause,
	}
}

// As извлекает Failure из произвольной ошибки. Возвращает nil, если err не
// несёт таксономию (такую ошибку перед выдачей наружу нужно завернуть).
func As(err error) *Failure {
	for err != nil {
		if f, ok := err.(*Failure); ok {
			return f
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// Is сообщает, несёт ли ошибка заданный Kind.
func Is(err error, kind Kind) bool {
	f := As(err)
	return f != nil && f.Kind == kind
}
