// Пакет config отвечает за сбор и предоставление конфигурации TeleDrive.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. раскладывает их по типизированной структуре (caarlos0/env),
//  3. нормализует и валидирует входные значения,
//  4. предоставляет потокобезопасный доступ к снимку конфигурации.
//
// Бизнес-контекст: конфиг описывает учётные данные Telegram API, расположение
// файлов сессий в data/, адрес локального веб-интерфейса и «ручки» таймаутов
// координатора авторизации (TTL ожидающей попытки, жёсткий предел возраста,
// срок хранения завершённых записей, бюджет диспетчеризации).
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Env описывает параметры, приходящие из окружения (.env). Значения проходят
// минимальную валидацию в Load; в рантайме Env считается согласованным.
type Env struct {
	APIID   int    `env:"API_ID"`
	APIHash string `env:"API_HASH"`

	DataDir     string `env:"DATA_DIR" envDefault:"data"`
	SessionName string `env:"SESSION_NAME" envDefault:"session"`
	SessionSalt string `env:"SESSION_SALT"`

	WebServerAddress string `env:"WEB_SERVER_ADDRESS" envDefault:"127.0.0.1:8842"`
	CountryCode      string `env:"COUNTRY_CODE" envDefault:"+84"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`

	TestDC      bool `env:"TEST_DC" envDefault:"false"`
	ThrottleRPS int  `env:"THROTTLE_RPS" envDefault:"10"`

	PendingTTLSec         int `env:"PENDING_TTL_SEC" envDefault:"600"`
	HardMaxAgeSec         int `env:"HARD_MAX_AGE_SEC" envDefault:"600"`
	CompletedRetentionSec int `env:"COMPLETED_RETENTION_SEC" envDefault:"300"`
	DispatchTimeoutSec    int `env:"DISPATCH_TIMEOUT_SEC" envDefault:"30"`
}

// PendingTTL возвращает TTL ожидающей попытки авторизации.
func (e *Env) PendingTTL() time.Duration { return time.Duration(e.PendingTTLSec) * time.Second }

// HardMaxAge возвращает жёсткий предел возраста попытки, после которого
// VerifyCode отвечает SessionExpired независимо от состояния Telegram.
func (e *Env) HardMaxAge() time.Duration { return time.Duration(e.HardMaxAgeSec) * time.Second }

// CompletedRetention возвращает срок хранения теневой записи об успешном входе.
func (e *Env) CompletedRetention() time.Duration {
	return time.Duration(e.CompletedRetentionSec) * time.Second
}

// DispatchTimeout возвращает бюджет одного вызова через диспетчер.
func (e *Env) DispatchTimeout() time.Duration {
	return time.Duration(e.DispatchTimeoutSec) * time.Second
}

// SessionPath возвращает путь файла сессии с именем name внутри DataDir.
// Имя должно быть filesystem-safe; расширение .session фиксировано.
func (e *Env) SessionPath(name string) string {
	return filepath.Join(e.DataDir, name+".session")
}

// DurableSessionPath возвращает путь постоянной авторизованной сессии.
func (e *Env) DurableSessionPath() string {
	return e.SessionPath(e.SessionName)
}

// UsersDBPath возвращает путь файла локальной базы пользователей (bbolt).
func (e *Env) UsersDBPath() string {
	return filepath.Join(e.DataDir, "users.db")
}

var (
	// envMu защищает снимок конфигурации от гонок при Load из тестов.
	envMu sync.RWMutex
	// envCfg хранит текущий снимок; nil до первого Load.
	envCfg *Env
	// warnings накапливает некритичные замечания валидации для логирования после Init логгера.
	warnings []string
)

// Load читает .env по заданному пути (отсутствие файла не фатально — окружение
// могло быть задано снаружи), парсит переменные и валидирует результат.
// Потокобезопасен; повторный вызов перетирает снимок.
func Load(envPath string) error {
	// godotenv не перетирает уже выставленные переменные процесса.
	if err := godotenv.Load(envPath); err != nil {
		warnings = append(warnings, fmt.Sprintf("config: .env not loaded from %s: %v", envPath, err))
	}

	cfg := &Env{}
	if err := env.Parse(cfg); err != nil {
		return errors.Wrap(err, "parse environment")
	}
	if err := validate(cfg); err != nil {
		return err
	}

	envMu.Lock()
	envCfg = cfg
	envMu.Unlock()
	return nil
}

// Get возвращает текущий снимок конфигурации. Паника до Load — ошибка
// программирования, а не рантайма.
func Get() *Env {
	envMu.RLock()
	defer envMu.RUnlock()
	if envCfg == nil {
		panic("config: Get before Load")
	}
	return envCfg
}

// Warnings возвращает накопленные некритичные замечания загрузки.
func Warnings() []string {
	envMu.RLock()
	defer envMu.RUnlock()
	return warnings
}

// SetForTest подменяет снимок конфигурации в тестах.
func SetForTest(cfg *Env) {
	envMu.Lock()
	envCfg = cfg
	envMu.Unlock()
}

// validate проверяет согласованность значений и нормализует то, что можно
// починить на месте. Ошибки учётных данных фатальны: без них ни один вызов
// Telegram API не пройдёт.
func validate(cfg *Env) error {
	if cfg.APIID <= 0 {
		return errors.New("config: API_ID is required and must be positive")
	}
	if strings.TrimSpace(cfg.APIHash) == "" {
		return errors.New("config: API_HASH is required")
	}
	if cfg.SessionName == "" || strings.ContainsAny(cfg.SessionName, `/\`) {
		return errors.New("config: SESSION_NAME must be a plain file name")
	}
	if cfg.PendingTTLSec <= 0 || cfg.HardMaxAgeSec <= 0 ||
		cfg.CompletedRetentionSec <= 0 || cfg.DispatchTimeoutSec <= 0 {
		return errors.New("config: all *_SEC tunables must be positive")
	}
	if cfg.ThrottleRPS <= 0 {
		cfg.ThrottleRPS = 10
	}
	if !strings.HasPrefix(cfg.CountryCode, "+") {
		warnings = append(warnings, "config: COUNTRY_CODE without leading '+', phone normalisation is best-effort")
	}
	return nil
}
