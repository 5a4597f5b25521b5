package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"recipebox/internal/app"
	"recipebox/internal/config"
	"recipebox/internal/logging"
	"recipebox/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLoggerFromLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Unknown LOG_LEVEL, using info")
	}

	tp, err := telemetry.InitTracing(cfg.ServiceName, cfg.ServiceVersion, cfg.TraceExporter)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := telemetry.ShutdownTracing(context.Background(), tp); err != nil {
			log.Printf("Error shutting down tracer provider: %v", err)
		}
	}()

	appConfig := &app.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Port:           cfg.Port,
		Logger:         logger,
		TracerProvider: otel.GetTracerProvider(),
		GinMode:        cfg.GinMode,
	}

	wireCtx, cancelWire := context.WithTimeout(context.Background(), 30*time.Second)
	err = app.Wire(wireCtx, cfg, appConfig)
	cancelWire()
	if err != nil {
		logger.WithError(err).Fatal("Failed to wire dependencies")
	}

	application := app.Build(appConfig)

	go func() {
		if err := application.Run(); err != nil {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
