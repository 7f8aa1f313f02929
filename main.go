package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/bot"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/config"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/deals"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/escrow"
)

func main() {
	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.OwnerID == 0 {
		logger.Warn("OWNER_ID not set, balance adjustments are disabled")
	}

	database, err := db.NewDatabase(cfg.DBPath, cfg.LockTimeout)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer database.Close()

	seed := uint64(time.Now().UnixNano())
	svc := escrow.New(database, deals.NewRandomIDs(seed, seed>>17|1), cfg.OwnerID, logger)

	// Initialize and start the bot
	telegramBot, err := bot.NewBot(cfg, svc, logger)
	if err != nil {
		logger.Fatal("failed to initialize bot", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutdown")
		telegramBot.Stop()
	}()

	telegramBot.Start(ctx)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
