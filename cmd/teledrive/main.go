package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"teledrive/internal/auth"
	"teledrive/internal/cli"
	"teledrive/internal/dispatch"
	"teledrive/internal/infra/config"
	"teledrive/internal/infra/logger"
	"teledrive/internal/infra/storage"
	"teledrive/internal/telegram/gateway"
	"teledrive/internal/users"
	"teledrive/internal/web"
)

// shutdownTimeout — бюджет на корректную остановку HTTP-сервера.
const shutdownTimeout = 10 * time.Second

func main() {
	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", ".env", "path to .env file")
	// login включает интерактивный вход из терминала вместо запуска сервера.
	login := flag.Bool("login", false, "interactive Telegram sign-in and exit")
	flag.Parse()

	// config.Load загружает конфигурацию из .env и переменных окружения.
	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Init(config.Get().LogLevel, config.Get().LogFile)
	defer logger.Sync()
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	if err := storage.EnsureDir(config.Get().DurableSessionPath()); err != nil {
		logger.Fatal("failed to prepare data directory", zap.Error(err))
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *login); err != nil {
		stop()
		logger.Fatal("run failed", zap.Error(err))
	}
	logger.Info("Graceful shutdown complete")
}

// run собирает зависимости и запускает либо интерактивный вход, либо сервер.
func run(ctx context.Context, interactiveLogin bool) error {
	cfg := config.Get()

	dir, err := users.OpenDirectory(cfg.UsersDBPath())
	if err != nil {
		return err
	}
	defer func() { _ = dir.Close() }()

	disp := dispatch.New()
	disp.Start()
	defer disp.Stop()

	coor := auth.NewCoordinator(cfg, disp, gateway.NewOpener(cfg), dir, users.NewAttemptTracker())

	if interactiveLogin {
		return cli.Login(ctx, coor, cfg)
	}

	coor.StartJanitor(ctx)

	srv := web.NewServer(coor)

	// Останавливаем сервер при отмене контекста; Start блокируется до конца.
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("web server shutdown", zap.Error(err))
	}
	return <-errCh
}
