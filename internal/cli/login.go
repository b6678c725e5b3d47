// Package cli — интерактивный вход из терминала (флаг -login). Гоняет тот же
// координатор, что и HTTP-слой: номер, код подтверждения и пароль 2FA
// читаются из консоли, результат — постоянная авторизованная сессия в data/.
package cli

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"teledrive/internal/auth"
	"teledrive/internal/auth/fail"
	"teledrive/internal/infra/config"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"golang.org/x/term"
)

// codeRetries — сколько раз даём перевводить код в рамках одной попытки.
const codeRetries = 3

// Login проводит полный интерактивный вход. Если действующая сессия уже есть,
// выводит её владельца и выходит, не трогая Telegram повторно.
func Login(ctx context.Context, coor *auth.Coordinator, cfg *config.Env) error {
	status, err := coor.Status(ctx)
	if err == nil && status.Authenticated {
		fmt.Printf("Already signed in as @%s (%s)\n", status.User.Username, status.User.PhoneMasked)
		return nil
	}

	rl, err := readline.New("> ")
	if err != nil {
		return errors.Wrap(err, "init readline")
	}
	defer func() { _ = rl.Close() }()

	fmt.Printf("Telegram sign-in. Default country code: %s\n", cfg.CountryCode)

	phone, err := prompt(rl, "Phone number: ")
	if err != nil {
		return err
	}

	code, err := coor.RequestCode(ctx, phone, cfg.CountryCode, false)
	if err != nil {
		return describeFailure(err)
	}
	fmt.Printf("Code sent via %s to %s\n", code.DeliveryType, code.Phone)

	res, err := verifyInteractive(ctx, coor, rl, code.SessionID)
	if err != nil {
		return err
	}

	fmt.Printf("Signed in as @%s (%s)\n", res.User.Username, res.User.PhoneMasked)
	return nil
}

// verifyInteractive запрашивает код (и пароль 2FA при необходимости),
// позволяя исправить опечатку без нового запроса кода.
func verifyInteractive(ctx context.Context, coor *auth.Coordinator, rl *readline.Instance, sessionID string) (*auth.VerifyResult, error) {
	for tries := 0; tries < codeRetries; tries++ {
		code, err := prompt(rl, "Enter the code from Telegram: ")
		if err != nil {
			return nil, err
		}

		res, err := coor.VerifyCode(ctx, sessionID, code, "")
		if err != nil {
			if fail.Is(err, fail.MalformedCode) {
				fmt.Println("Code must be 4-6 digits, try again.")
				continue
			}
			return nil, describeFailure(err)
		}
		if res.RequiresPassword {
			return submitPasswordInteractive(ctx, coor, sessionID)
		}
		return res, nil
	}
	return nil, errors.New("too many malformed codes")
}

// submitPasswordInteractive дочитывает пароль 2FA без эха и завершает вход.
// Неверный пароль можно повторить, пока координатор не уничтожит попытку.
func submitPasswordInteractive(ctx context.Context, coor *auth.Coordinator, sessionID string) (*auth.VerifyResult, error) {
	for {
		fmt.Print("Enter 2FA password: ")
		passwordBytes, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return nil, errors.Wrap(err, "read password")
		}

		res, err := coor.SubmitPassword(ctx, sessionID, string(passwordBytes))
		if err != nil {
			if fail.Is(err, fail.PasswordInvalid) {
				fmt.Println("Wrong password, try again.")
				continue
			}
			return nil, describeFailure(err)
		}
		return res, nil
	}
}

// prompt читает строку с приглашением и обрезает пробелы по краям.
func prompt(rl *readline.Instance, text string) (string, error) {
	rl.SetPrompt(text)
	line, err := rl.Readline()
	if err != nil {
		return "", errors.Wrap(err, "read input")
	}
	return strings.TrimSpace(line), nil
}

// describeFailure дополняет ошибку таксономии понятной подсказкой для консоли.
func describeFailure(err error) error {
	f := fail.As(err)
	if f == nil {
		return err
	}
	switch f.Kind {
	case fail.RateLimited:
		return errors.Errorf("telegram asks to wait %d seconds before retrying", f.Seconds)
	case fail.CodeExpired:
		return errors.New("the code expired, run -login again to request a new one")
	case fail.CodeInvalid:
		return errors.New("telegram rejected the code, run -login again")
	default:
		return err
	}
}
