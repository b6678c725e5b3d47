package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"teledrive/internal/auth"
	"teledrive/internal/auth/fail"
	"teledrive/internal/infra/logger"
)

// Coordinator — подмножество операций internal/auth.Coordinator, нужное
// HTTP-слою. Интерфейс держим здесь, чтобы тесты подставляли заглушку.
type Coordinator interface {
	RequestCode(ctx context.Context, phone, countryCode string, forceSMS bool) (*auth.CodeRequested, error)
	VerifyCode(ctx context.Context, sessionID, code, password string) (*auth.VerifyResult, error)
	SubmitPassword(ctx context.Context, sessionID, password string) (*auth.VerifyResult, error)
	Status(ctx context.Context) (*auth.StatusInfo, error)
	Logout(ctx context.Context) error
}

// sendCodeRequest — тело POST /api/auth/send-code.
type sendCodeRequest struct {
	Phone       string `json:"phone"`
	CountryCode string `json:"country_code"`
	ForceSMS    bool   `json:"force_sms"`
}

// verifyCodeRequest — тело POST /api/auth/verify-code.
type verifyCodeRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Password  string `json:"password"`
}

// verify2FARequest — тело POST /api/auth/verify-2fa.
type verify2FARequest struct {
	SessionID string `json:"session_id"`
	Password  string `json:"password"`
}

// decodeBody читает и декодирует JSON-тело запроса с ограничением размера.
// Неизвестные поля отвергаются: опечатка в имени поля — ошибка клиента,
// а не молча проигнорированный параметр.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, fail.New(fail.SessionCorrupt, "malformed request body"))
		return false
	}
	// Второй документ в теле — тоже мусор.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, fail.New(fail.SessionCorrupt, "malformed request body"))
		return false
	}
	return true
}

// requireMethod отклоняет запросы с неподдерживаемым методом.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// handleSendCode — POST /api/auth/send-code.
func (s *Server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req sendCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.coor.RequestCode(r.Context(), req.Phone, req.CountryCode, req.ForceSMS)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"session_id":    res.SessionID,
		"phone":         res.Phone,
		"timeout":       res.Timeout,
		"delivery_type": res.DeliveryType,
	})
}

// handleVerifyCode — POST /api/auth/verify-code. Пароль 2FA можно передать
// сразу в том же теле; тогда оба шага выполняются одним запросом.
func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req verifyCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.coor.VerifyCode(r.Context(), req.SessionID, req.Code, req.Password)
	writeVerifyOutcome(w, res, err)
}

// handleVerify2FA — POST /api/auth/verify-2fa.
func (s *Server) handleVerify2FA(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req verify2FARequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.coor.SubmitPassword(r.Context(), req.SessionID, req.Password)
	writeVerifyOutcome(w, res, err)
}

// writeVerifyOutcome отображает результат verify-code/verify-2fa в JSON.
// Незавершённая 2FA — это не сбой, а приглашение ко второму шагу, поэтому
// она уходит со статусом 200 и ok:false.
func writeVerifyOutcome(w http.ResponseWriter, res *auth.VerifyResult, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	switch {
	case res.RequiresPassword:
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":                false,
			"requires_password": true,
			"kind":              string(fail.PasswordRequired),
			"message":           "two-factor password required",
		})
	case res.AlreadyCompleted:
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":                true,
			"already_completed": true,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":   true,
			"user": res.User,
		})
	}
}

// handleStatus — GET /api/auth/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	info, err := s.coor.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{"authenticated": info.Authenticated}
	if info.User != nil {
		body["user"] = info.User
	}
	writeJSON(w, http.StatusOK, body)
}

// handleLogout — POST /api/auth/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.coor.Logout(r.Context()); err != nil {
		// Logout спроектирован не возвращать ошибок; страхуемся на будущее.
		logger.Warnf("Logout returned error: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
