package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-mailer/internal/app"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/logger"
)

// The worker consumes schedule.fired and campaign.dispatch from RabbitMQ.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg.Log).With().Str("process", "worker").Logger()

	if cfg.Queue.Driver != app.QueueAMQP {
		log.Warn().Str("driver", cfg.Queue.Driver).Msg("worker only makes sense with QUEUE_DRIVER=amqp")
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close()

	if err := a.Consume(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to register consumers")
	}

	log.Info().Msg("worker running, waiting for messages...")
	<-ctx.Done()
	stop()
	log.Info().Dur("timeout", cfg.App.ShutdownTimeout).Msg("worker stopping")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	_ = a.Drain(drainCtx)
}
