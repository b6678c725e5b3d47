// Package logger — централизованная обёртка над zap для всего приложения.
// Инициализирует уровень и формат логирования один раз на старте; опционально
// дублирует поток логов в файл с ротацией (lumberjack), что важно для разбора
// проблем авторизации постфактум. Уровень можно менять динамически через
// zap.AtomicLevel без пересоздания ядра.

package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// logFileMaxSizeMB ограничивает размер одного файла лога до ротации.
	logFileMaxSizeMB = 20
	// logFileMaxBackups задаёт количество сохраняемых файлов после ротации.
	logFileMaxBackups = 5
	// logFileMaxAgeDays задаёт срок хранения старых файлов лога в днях.
	logFileMaxAgeDays = 14
)

var (
	// mu защищает глобальное состояние логгера от одновременных изменений.
	mu sync.Mutex
	// log хранит текущий экземпляр zap.Logger, используемый во всём приложении.
	log *zap.Logger
	// logLevel управляет динамическим уровнем логирования без пересоздания ядра.
	logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	// filePath указывает файл, в который дублируются логи; пустая строка — только stdout.
	filePath string
)

// defaultEncoderConfig формирует консольный encoder с цветами и коротким caller.
// Формат времени фиксирован (YYYY-MM-DD HH:MM:SS).
func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// fileEncoderConfig — encoder для файлового потока: без цветовых escape-последовательностей.
func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := defaultEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// rebuildLoggerLocked пересоздаёт глобальный логгер с текущими настройками.
// Предполагается, что вызывающий уже удерживает mu. AddCallerSkip(1) скрывает
// обёртки logger.* в стеке вызовов. Перед заменой предыдущий логгер Sync(),
// чтобы сбросить буферы.
func rebuildLoggerLocked() {
	stdoutCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(defaultEncoderConfig()),
		zapcore.Lock(zapcore.AddSync(os.Stdout)),
		logLevel,
	)

	core := stdoutCore
	if filePath != "" {
		// Файловый поток с ротацией: один writer на процесс, lumberjack потокобезопасен.
		fileSink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAge:     logFileMaxAgeDays,
			Compress:   true,
		})
		fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(fileEncoderConfig()), fileSink, logLevel)
		core = zapcore.NewTee(stdoutCore, fileCore)
	}

	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// Init инициализирует глобальный zap-логгер, устанавливает уровень и целевой файл.
// Допустимые уровни: debug, info (по умолчанию), warn, error; регистр не важен.
// file — путь файла для дублирования логов, пустая строка отключает файловый поток.
// Потокобезопасно, повторный вызов пересобирает ядро.
func Init(level, file string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(level) {
	case "debug":
		logLevel.SetLevel(zap.DebugLevel)
	case "warn":
		logLevel.SetLevel(zap.WarnLevel)
	case "error":
		logLevel.SetLevel(zap.ErrorLevel)
	default:
		logLevel.SetLevel(zap.InfoLevel)
	}

	filePath = file
	rebuildLoggerLocked()
}

// Logger возвращает текущий zap.Logger, лениво создавая его при первом обращении.
// Возвращается "сырое" API (не Sugared); предпочтительнее передавать zap.Field.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// Sync сбрасывает буферы логгера; вызывается при завершении процесса.
func Sync() {
	_ = Logger().Sync()
}

// Debug пишет структурированное сообщение уровня Debug.
func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }

// Info пишет структурированное сообщение уровня Info.
func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }

// Warn пишет структурированное предупреждение уровня Warn.
func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }

// Error пишет структурированное сообщение об ошибке уровня Error.
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal пишет сообщение уровня Fatal и завершает работу приложения.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
}

// Debugf форматирует сообщение через fmt.Sprintf. Используйте экономно:
// форматирование аллоцирует; для горячих путей предпочтительны структурированные поля.
func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }

// Infof форматирует сообщение через fmt.Sprintf.
func Infof(msg string, a ...any) { Logger().Info(fmt.Sprintf(msg, a...)) }

// Warnf форматирует сообщение через fmt.Sprintf.
func Warnf(msg string, a ...any) { Logger().Warn(fmt.Sprintf(msg, a...)) }

// Errorf форматирует сообщение через fmt.Sprintf.
func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
