package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cohort/server/internal/app"
	"cohort/server/internal/config"
	"cohort/server/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if err := app.Run(ctx, app.Config{
		Logger:   telemetry.WrapLogger(log.Default()),
		Settings: settings,
	}); err != nil {
		log.Fatalf("%v", err)
	}
}
