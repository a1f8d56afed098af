package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"jackpot/internal/client"
	"jackpot/internal/config"
	"jackpot/internal/crank"
	"jackpot/internal/logging"
	"jackpot/internal/wallet"

	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LoadDotEnv()
	cfg, err := config.LoadCrankFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		return 1
	}

	flags := pflag.NewFlagSet("jackpot-crank", pflag.ExitOnError)
	once := flags.Bool("once", false, "inspect the pot once, submit at most one action, then exit")
	flags.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "jackpot API base URL")
	flags.DurationVar(&cfg.Interval, "interval", cfg.Interval, "poll interval")
	flags.BoolVar(&cfg.StartRounds, "start-rounds", cfg.StartRounds, "open new rounds when the keypair is the pot authority")
	_ = flags.Parse(os.Args[1:])

	logger := logging.New(cfg.LogFormat, cfg.LogVerbose)
	slog.SetDefault(logger)

	key, err := wallet.Load(cfg.KeypairPath)
	if err != nil {
		logger.Error("load keypair failed", "err", err)
		return 1
	}

	keeper, err := crank.New(crank.Config{
		Logger:      logger,
		API:         client.New(cfg.APIBaseURL, key),
		Identity:    key.PublicKey(),
		Interval:    cfg.Interval,
		StartRounds: cfg.StartRounds,
	})
	if err != nil {
		logger.Error("crank init failed", "err", err)
		return 1
	}

	if *once {
		action, err := keeper.Step(ctx)
		if err != nil {
			logger.Error("crank step failed", "action", action, "err", err)
			return 1
		}
		logger.Info("crank run-once completed", "action", action)
		return 0
	}

	if err := keeper.Run(ctx); err != nil {
		logger.Error("crank failed", "err", err)
		return 1
	}
	return 0
}
