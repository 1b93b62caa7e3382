// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-mailer/internal/app"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/controller"
	"github.com/unclebandit/campaign-mailer/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg.Log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close()

	// With RabbitMQ the worker binary consumes; in memory we do it here.
	if a.InProcess() {
		if err := a.Consume(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe handlers")
		}
	}

	if cfg.Scheduler.Enabled {
		if err := a.Registry.Initialize(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to load schedules")
		}
		a.Registry.Start()
	}

	router := controller.NewRouter(
		controller.NewCampaignController(a.Campaigns, a.CampaignRepo, a.Queue, log),
		controller.NewSenderController(a.Senders, cfg.Server.VerifyRatePerSec, cfg.Server.VerifyBurst, log),
		controller.NewScheduleController(a.Schedules, log),
		log,
	)

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	// A second signal now kills the process; pending rows stay resumable.
	stop()
	log.Info().Dur("timeout", cfg.App.ShutdownTimeout).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if cfg.Scheduler.Enabled {
		a.Registry.Stop(shutdownCtx)
	}
	_ = a.Drain(shutdownCtx)
}
