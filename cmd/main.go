package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appconfig "github.com/watchme/admin/internal/config"
	"github.com/watchme/admin/internal/datastore"
	"github.com/watchme/admin/internal/pipeline"
	"github.com/watchme/admin/internal/scheduler"
	"github.com/watchme/admin/internal/server"
	"github.com/watchme/admin/internal/slots"
	"github.com/watchme/admin/internal/stage"
	httpapi "github.com/watchme/admin/internal/transport/http"
)

func main() {
	cfg := appconfig.Load()
	slog.Info("starting watchme admin", "addr", cfg.HTTPAddr)

	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		slog.Error("SUPABASE_URL and SUPABASE_KEY must be set")
		os.Exit(1)
	}

	store := datastore.New(cfg.SupabaseURL, cfg.SupabaseKey)

	stageClient := stage.NewClient(cfg.ProbeTimeout)
	poller := stage.NewPoller(cfg.PollInterval, cfg.PollMaxWait)
	executor := pipeline.NewExecutor(stageClient, poller, pipeline.Definitions(cfg))
	reconciler := slots.NewReconciler(store, cfg.TranscriberURL, cfg.TranscribeModel, cfg.LongStageTimeout)

	sched := scheduler.New(func(ctx context.Context, key scheduler.Key, date string) (string, error) {
		switch key.Kind {
		case httpapi.SlotJobKind:
			summary, err := reconciler.Run(ctx, key.DeviceID)
			if err != nil {
				return "", err
			}
			return summary.Message, nil
		default:
			report, err := executor.Run(ctx, key.Kind, stage.Context{DeviceID: key.DeviceID, Date: date})
			if err != nil {
				return "", err
			}
			if !report.Success {
				return "", fmt.Errorf("pipeline halted at stage %s", report.FailedStage())
			}
			return fmt.Sprintf("pipeline completed, %d stages in %s", len(report.Trace), report.Elapsed), nil
		}
	}, cfg.TickTimeout)
	sched.Run()

	if cfg.ScanAutoStart && cfg.ScanDeviceID != "" {
		if _, err := sched.StartCron(httpapi.SlotJobKind, cfg.ScanDeviceID, cfg.ScanCronSpec, true); err != nil {
			slog.Error("failed to start slot reconciliation job", "err", err)
			os.Exit(1)
		}
		slog.Info("slot reconciliation job auto-started", "device_id", cfg.ScanDeviceID, "cron", cfg.ScanCronSpec)
	}

	handlers := &httpapi.Handlers{
		Sched:  sched,
		Exec:   executor,
		Store:  store,
		Config: cfg,
	}
	r := server.NewRouter(handlers)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	slog.Info("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	sched.Shutdown()
}
