// Command server runs the gorelay WebSocket relay.
//
// It loads configuration from the environment (and an optional .env file),
// opens the message store and broker, subscribes the relay engine before the
// HTTP listener accepts connections, and shuts everything down in reverse
// order on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/broker"
	"github.com/Tyrowin/gorelay/internal/codec"
	"github.com/Tyrowin/gorelay/internal/relay"
	"github.com/Tyrowin/gorelay/internal/server"
	"github.com/Tyrowin/gorelay/internal/store"
	"github.com/Tyrowin/gorelay/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gorelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// local dev convenience only; production relies on the real environment
	_ = godotenv.Load()

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	server.SetConfig(cfg)
	logger = logger.With(zap.String("instance", cfg.InstanceID))
	logger.Info("starting gorelay", zap.String("port", cfg.Port), zap.String("broker", cfg.Broker.Kind),
		zap.String("store", cfg.Store.Driver))

	telemetry.Init()
	stopTracing, err := telemetry.InitTracing(cfg.TracingEndpoint, "gorelay", cfg.InstanceID, logger)
	if err != nil {
		return err
	}
	defer stopTracing()

	db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN, logger)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	contentCodec, err := codec.FromSecret(cfg.Store.EncryptionKey)
	if err != nil {
		return err
	}
	messages := store.NewGormStore(db, contentCodec, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	bus, err := broker.New(ctx, cfg.Broker, logger)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("error closing broker", zap.Error(err))
		}
	}()

	engine, err := relay.New(relay.Options{
		Store:               messages,
		Members:             messages,
		Broker:              bus,
		Logger:              logger,
		Topic:               cfg.Relay.Topic,
		InstanceID:          cfg.InstanceID,
		RegistrationTimeout: cfg.Relay.RegistrationTimeout,
		EchoToSender:        cfg.Relay.EchoToSender,
		ValidateMembership:  cfg.Relay.ValidateMembership,
		StoreRetries:        cfg.Relay.StoreRetries,
		StoreTimeout:        cfg.Relay.StoreTimeout,
		DedupWindow:         cfg.Relay.DedupWindow,
	})
	if err != nil {
		return err
	}
	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	err = engine.Start(ctx)
	cancel()
	if err != nil {
		return err
	}

	hub := server.NewHub(engine, logger)
	go hub.Run()

	handlers := server.NewHandlers(hub, messages, messages, logger)
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handlers))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		logger.Info("shutdown signal received", zap.String("signal", s.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	timeout := cfg.ShutdownTimeout
	if err := server.ShutdownServer(httpServer, timeout); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := hub.Shutdown(timeout); err != nil {
		logger.Warn("hub shutdown incomplete", zap.Error(err))
	}
	if err := engine.Stop(timeout); err != nil {
		logger.Warn("relay shutdown incomplete", zap.Error(err))
	}
	logger.Info("gorelay stopped")
	return nil
}
