// Нормализация телефонных номеров и именование файлов сессий попыток.
// Нормализованный номер вычисляется один раз в RequestCode, сохраняется на
// попытке и дальше никогда не выводится заново из пользовательского ввода.

package auth

import (
	"crypto/md5" // #nosec G501 — не криптография: короткий стабильный ключ имени файла
	"encoding/hex"
	"regexp"
	"strings"

	"teledrive/internal/auth/fail"
)

// phonePattern — локальная проверка E.164: плюс и 6–15 цифр.
var phonePattern = regexp.MustCompile(`^\+[0-9]{6,15}$`)

// codePattern — допустимый код подтверждения: 4–6 ASCII-цифр.
var codePattern = regexp.MustCompile(`^[0-9]{4,6}$`)

// NormalizePhone приводит номер к международному виду по правилам:
//  1. номер с «+» считается международным; случайный ноль сразу после кода
//     страны («+840…») вырезается;
//  2. локальный номер при международном коде страны теряет ведущий ноль и
//     получает код страны префиксом;
//  3. иначе — конкатенация best-effort.
//
// Результат проверяется локально на E.164; отказ — InvalidPhone без единого
// обращения к Telegram.
func NormalizePhone(phone, countryCode string) (string, error) {
	phone = strings.TrimSpace(phone)
	countryCode = strings.TrimSpace(countryCode)

	switch {
	case strings.HasPrefix(phone, "+"):
		if countryCode != "" && strings.HasPrefix(phone, countryCode+"0") {
			phone = countryCode + phone[len(countryCode)+1:]
		}
	case strings.HasPrefix(countryCode, "+"):
		if strings.HasPrefix(phone, "0") {
			phone = phone[1:]
		}
		phone = countryCode + phone
	default:
		phone = countryCode + phone
	}

	if !phonePattern.MatchString(phone) {
		return "", fail.New(fail.InvalidPhone, "phone number is not a valid international number")
	}
	return phone, nil
}

// validCode проверяет формат кода подтверждения локально.
func validCode(code string) bool {
	return codePattern.MatchString(code)
}

// backingSessionName детерминированно выводит имя файла сессии попытки из
// номера: повторный запрос кода для того же номера переиспользует тот же
// файл вместо накопления мусора в data/. Соль разводит установки между собой.
func backingSessionName(salt, phone string) string {
	sum := md5.Sum([]byte(salt + phone)) // #nosec G401
	return "code_req_" + hex.EncodeToString(sum[:])[:8]
}

// maskPhone оставляет от номера первые и последние три символа; короткие
// номера маскируются целиком, чтобы скрытых цифр оставалось больше видимых.
func maskPhone(phone string) string {
	if len(phone) < 9 {
		return "***"
	}
	return phone[:3] + "***" + phone[len(phone)-3:]
}
