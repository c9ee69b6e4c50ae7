// Package main is the entry point for the sBTC Bazaar marketplace node.
// It restores the ledger from storage, runs it behind a devnet block producer
// or a Tendermint ABCI socket, and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sbtc.bazaar/bazaar/internal/abci"
	"sbtc.bazaar/bazaar/internal/api"
	"sbtc.bazaar/bazaar/internal/config"
	"sbtc.bazaar/bazaar/internal/devnet"
	"sbtc.bazaar/bazaar/internal/docs"
	"sbtc.bazaar/bazaar/internal/logger"
	"sbtc.bazaar/bazaar/internal/store"
	"sbtc.bazaar/bazaar/internal/tendermint"
	"sbtc.bazaar/bazaar/internal/types"
	"sbtc.bazaar/bazaar/internal/wallet"
)

const docsDir = "docs"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	ring := logger.NewRing(cfg.LogBufferSize)
	log, err := logger.New(cfg.LogLevel, ring)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, ring, log); err != nil {
		log.Fatal("Node exited", zap.Error(err))
	}
	log.Info("Shut down cleanly")
}

func run(cfg *config.Config, ring *logger.Ring, log *zap.Logger) error {
	log.Info("sBTC Bazaar node starting",
		zap.String("version", types.Version),
		zap.String("mode", cfg.Mode),
		zap.String("storage", cfg.StorageDriver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := wallet.LoadOrCreate(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	log.Info("Node wallet ready", zap.String("principal", string(w.Principal())))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.StorageDriver, cfg.DataDir, log.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	treasury := types.Principal(cfg.Treasury)
	if treasury == "" {
		treasury = w.Principal()
	}
	genesis := make(map[types.Principal]uint64, len(cfg.GenesisBalances))
	for p, amount := range cfg.GenesisBalances {
		genesis[types.Principal(p)] = amount
	}

	app, err := abci.NewABCIApplication(abci.Options{
		Store:           st,
		Treasury:        treasury,
		GenesisBalances: genesis,
		Logger:          log.Named("abci"),
	})
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}

	if err := ensurePortAvailable(cfg.Port); err != nil {
		return fmt.Errorf("port %d unavailable: %w", cfg.Port, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	var chain api.Chain
	switch cfg.Mode {
	case config.ModeDevnet:
		dev := devnet.New(app, devnet.WithLogger(log.Named("devnet")))
		chain = dev
		g.Go(func() error {
			return dev.Run(ctx, cfg.BlockInterval.Std())
		})
	case config.ModeTendermint:
		chain = tendermint.NewBroadcastClient(cfg.TendermintRPC)
		srv, err := tendermint.NewABCIServer(app, &tendermint.Config{
			TendermintHome: cfg.TendermintHome,
			SocketAddress:  cfg.ABCISocket,
		}, log.Named("tendermint"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Run(ctx)
		})
		g.Go(func() error {
			return runTendermintNode(ctx, cfg, log.Named("tendermint"))
		})
	}

	var backups store.Backupper
	if b, ok := st.(store.Backupper); ok {
		backups = b
	}

	svc := api.NewService(api.Deps{
		Market:     app.Ledger(),
		Balances:   app.Book(),
		Chain:      chain,
		Height:     app.Height,
		Backups:    backups,
		MaxBackups: cfg.MaxBackups,
		Docs:       docs.NewService(docsDir),
		Logs:       ring,
		Logger:     log.Named("api"),
	})
	app.SetEventHandler(svc.Hub().Publish)

	if backups != nil && cfg.BackupSchedule != "" {
		scheduler := cron.New()
		_, err := scheduler.AddFunc(cfg.BackupSchedule, func() {
			path, err := backups.BackupCurrent(cfg.MaxBackups)
			if err != nil {
				log.Error("Scheduled backup failed", zap.Error(err))
				return
			}
			log.Info("Scheduled backup written", zap.String("path", path))
		})
		if err != nil {
			return fmt.Errorf("invalid backup schedule %q: %w", cfg.BackupSchedule, err)
		}
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("API available", zap.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Port)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runTendermintNode launches a local Tendermint node against the ABCI socket
// when the binary is installed. Without it the operator runs the node
// separately.
func runTendermintNode(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if _, err := exec.LookPath("tendermint"); err != nil {
		log.Warn("tendermint binary not found; waiting for an external node",
			zap.String("socket", cfg.ABCISocket))
		return nil
	}
	if err := tendermint.InitTendermint(ctx, cfg.TendermintHome); err != nil {
		return err
	}
	cmd := tendermint.NodeCommand(ctx, tendermint.Config{
		TendermintHome: cfg.TendermintHome,
		SocketAddress:  cfg.ABCISocket,
	})
	log.Info("Starting tendermint node", zap.Strings("args", cmd.Args))
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("tendermint node exited: %w", err)
	}
	return nil
}

func ensurePortAvailable(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return listener.Close()
}
