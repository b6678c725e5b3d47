// Package web — HTTP-слой поверх координатора авторизации. Принимает и
// возвращает только JSON; вся бизнес-логика живёт в internal/auth, здесь —
// маршрутизация, декодирование тел и перевод таксономии ошибок в HTTP-статусы.
package web

import (
	"context"
	"net/http"
	"time"

	"teledrive/internal/infra/config"
	"teledrive/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 45 * time.Second
	idleTimeout  = 60 * time.Second

	// maxBodyBytes ограничивает тело запроса: все наши тела — короткий JSON.
	maxBodyBytes = 4 << 10
)

// Server представляет веб-сервер API авторизации.
type Server struct {
	srv  *http.Server
	coor Coordinator
}

// NewServer собирает сервер с роутингом поверх координатора.
func NewServer(coor Coordinator) *Server {
	s := &Server{coor: coor}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/auth/send-code", s.handleSendCode)
	mux.HandleFunc("/api/auth/verify-code", s.handleVerifyCode)
	mux.HandleFunc("/api/auth/verify-2fa", s.handleVerify2FA)
	mux.HandleFunc("/api/auth/status", s.handleStatus)
	mux.HandleFunc("/api/auth/logout", s.handleLogout)

	s.srv = &http.Server{
		Addr:         config.Get().WebServerAddress,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return s
}

// Handler возвращает корневой http.Handler сервера (для httptest).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start запускает веб-сервер и блокируется до его остановки.
func (s *Server) Start() error {
	logger.Info("Starting web server", zap.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "web server")
	}
	return nil
}

// Shutdown корректно останавливает веб-сервер, дожидаясь активных запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down web server...")
	return s.srv.Shutdown(ctx)
}

// handleHealth — проверка живости процесса.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	writeResponse(w, []byte("OK"))
}

// loggingMiddleware логирует все запросы.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("HTTP %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
