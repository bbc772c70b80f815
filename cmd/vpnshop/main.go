// Package main запускает сервис продажи VPN-подписок: HTTP API для
// доверенного клиента и фоновые проходы сверки жизненного цикла.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mkoshkin/vpnshop-system/internal/config"
	"github.com/mkoshkin/vpnshop-system/internal/escalate"
	"github.com/mkoshkin/vpnshop-system/internal/handler"
	"github.com/mkoshkin/vpnshop-system/internal/ibsng"
	"github.com/mkoshkin/vpnshop-system/internal/middleware"
	"github.com/mkoshkin/vpnshop-system/internal/notify"
	"github.com/mkoshkin/vpnshop-system/internal/purchase"
	"github.com/mkoshkin/vpnshop-system/internal/reconcile"
	"github.com/mkoshkin/vpnshop-system/internal/repository"
	"github.com/mkoshkin/vpnshop-system/internal/scheduler"
	"github.com/mkoshkin/vpnshop-system/internal/usage"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	gw, err := ibsng.NewClient(cfg.IBSAddress, cfg.IBSUsername, cfg.IBSPassword)
	if err != nil {
		sugar.Fatalw("ibsng client initialization error", "error", err.Error())
	}

	sink := notify.NewTelegramSink(cfg.TelegramToken, logger)
	admins := notify.NewAdminNotifier(sink, cfg.AdminIDs, logger)

	reconciler := reconcile.New(repo, gw, sink, logger, cfg.PaymentGrace)
	meter := usage.NewMeter(repo, gw, sink, admins, logger, cfg.UsageSyncMinDelay)
	escalator := escalate.New(repo, sink, logger, cfg.QuietHoursFrom, cfg.QuietHoursTo)

	sched := scheduler.New(logger)
	sched.Register(scheduler.Task{Name: "activate_reserved", Interval: cfg.ReservedInterval, Run: reconciler.ActivateReserved})
	sched.Register(scheduler.Task{Name: "activate_paid", Interval: cfg.PaymentInterval, Run: reconciler.ActivateWaitingForPayment})
	sched.Register(scheduler.Task{Name: "cancel_stale", Interval: cfg.CancelInterval, Run: reconciler.CancelStaleUnpaid})
	sched.Register(scheduler.Task{Name: "expire_orders", Interval: cfg.ExpireInterval, Run: reconciler.ExpireOrders})
	sched.Register(scheduler.Task{Name: "sync_windows", Interval: cfg.TimeSyncInterval, Run: reconciler.SyncServiceWindows})
	sched.Register(scheduler.Task{Name: "usage_meter", Interval: cfg.UsageInterval, Run: meter.Run})
	sched.Register(scheduler.Task{Name: "expiry_notify", Interval: cfg.EscalateInterval, Run: escalator.Run})

	svc := purchase.New(repo, gw, sink, logger)

	authMiddleware := middleware.NewAuthMiddleware(cfg.APIToken)
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновых проходов сверки
	g.Go(func() error {
		return sched.Run(ctx)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting vpnshop server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
