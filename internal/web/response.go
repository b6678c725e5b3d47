package web

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"teledrive/internal/auth/fail"
	"teledrive/internal/infra/logger"

	"go.uber.org/zap"
)

// writeResponse записывает ответ в ResponseWriter с автоматическим
// логированием ошибок записи. Место вызова определяется по стеку.
func writeResponse(w http.ResponseWriter, data []byte) {
	var writeErr error

	if _, writeErr = w.Write(data); writeErr == nil {
		return
	}

	callerLocation := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		if wd, getwdErr := os.Getwd(); getwdErr == nil {
			if rel, relErr := filepath.Rel(wd, file); relErr == nil {
				file = rel
			}
		}
		callerLocation = file + ":" + strconv.Itoa(line)
	}

	logger.Error("failed to write response",
		zap.String("caller", callerLocation),
		zap.Error(writeErr))
}

// writeJSON сериализует body и отправляет его с заданным статусом.
func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		logger.Error("failed to marshal response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	writeResponse(w, data)
}

// statusForKind переводит вид ошибки в HTTP-статус. Виды, означающие ошибку
// клиента, получают 4xx; инфраструктурные сбои — 5xx.
func statusForKind(kind fail.Kind) int {
	switch kind {
	case fail.InvalidPhone, fail.MalformedCode, fail.CodeInvalid,
		fail.PasswordRequired, fail.PasswordInvalid:
		return http.StatusBadRequest
	case fail.SessionExpired, fail.CodeExpired:
		return http.StatusGone
	case fail.AlreadyInProgress:
		return http.StatusConflict
	case fail.RateLimited:
		return http.StatusTooManyRequests
	case fail.SessionCorrupt:
		return http.StatusBadRequest
	case fail.DispatchTimeout:
		return http.StatusGatewayTimeout
	case fail.TransportDown, fail.LoopDown:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError отображает ошибку таксономии в JSON-ответ со stable kind.
// Ошибки без Kind (их быть не должно) маскируются как TransportDown.
func writeError(w http.ResponseWriter, err error) {
	f := fail.As(err)
	if f == nil {
		logger.Error("unclassified error reached HTTP layer", zap.Error(err))
		f = fail.Wrap(fail.TransportDown, "internal failure", err)
	}

	body := map[string]any{
		"ok":      false,
		"kind":    string(f.Kind),
		"message": f.Message,
	}
	if f.Kind == fail.RateLimited && f.Seconds > 0 {
		body["seconds"] = f.Seconds
	}
	if f.Kind == fail.PasswordRequired {
		body["requires_password"] = true
	}

	writeJSON(w, statusForKind(f.Kind), body)
}
