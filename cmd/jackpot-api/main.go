package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jackpot/internal/api"
	"jackpot/internal/config"
	"jackpot/internal/crank"
	"jackpot/internal/db"
	"jackpot/internal/logging"
	"jackpot/internal/metrics"
	"jackpot/internal/pot"
	"jackpot/internal/store/memory"
	"jackpot/internal/store/postgres"
	"jackpot/internal/store/sqlite"
	"jackpot/internal/wallet"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup finishes before exit.
func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LoadDotEnv()
	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		return 1
	}

	logger := logging.New(cfg.LogFormat, cfg.LogVerbose)
	slog.SetDefault(logger)
	metrics.BuildInfo.WithLabelValues(version).Set(1)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store failed", "store", cfg.Store, "err", err)
		return 1
	}
	defer store.Close()

	clock := clockwork.NewRealClock()
	engine, err := pot.NewEngine(pot.Config{
		Logger:                 logger,
		Clock:                  clock,
		ProgramID:              cfg.ProgramID,
		Authority:              cfg.Authority,
		Buyback:                cfg.Buyback,
		Fee:                    cfg.Fee,
		ActiveDuration:         cfg.ActiveDuration,
		CooldownDuration:       cfg.CooldownDuration,
		MinDeposit:             cfg.MinDeposit,
		AccountSize:            cfg.AccountSize,
		RentSafetyMargin:       cfg.RentSafetyMargin,
		ResetRequiresAuthority: cfg.ResetRequiresAuthority,
	}, store)
	if err != nil {
		logger.Error("engine init failed", "err", err)
		return 1
	}

	server := api.New(cfg, logger, engine, clock)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var keeper *crank.Crank
	if cfg.EmbedCrank {
		key, err := wallet.Load(cfg.Crank.KeypairPath)
		if err != nil {
			logger.Error("load crank keypair failed", "err", err)
			return 1
		}
		identity := key.PublicKey()
		keeper, err = crank.New(crank.Config{
			Logger:      logger.With("component", "crank"),
			Clock:       clock,
			API:         crank.EngineAPI{Engine: engine, Identity: identity},
			Identity:    identity,
			Interval:    cfg.Crank.Interval,
			StartRounds: cfg.Crank.StartRounds,
		})
		if err != nil {
			logger.Error("crank init failed", "err", err)
			return 1
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("jackpot api listening", "addr", cfg.Addr, "store", cfg.Store, "pot", engine.Address(), "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if keeper != nil {
		g.Go(func() error { return keeper.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "err", err)
		return 1
	}
	logger.Info("jackpot api stopped")
	return 0
}

func openStore(ctx context.Context, cfg config.APIConfig, logger *slog.Logger) (pot.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s := postgres.New(pool, logger)
		if cfg.RunMigrations {
			if err := s.Migrate(ctx); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return s, nil
	case config.StoreSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath, logger)
	default:
		if !cfg.DevFaucet {
			logger.Warn("memory store selected; balances and rounds are lost on restart")
		}
		return memory.New(), nil
	}
}
