package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Fantasim/stablewatch/internal/api"
	"github.com/Fantasim/stablewatch/internal/callback"
	"github.com/Fantasim/stablewatch/internal/chain"
	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/engine"
	"github.com/Fantasim/stablewatch/internal/keys"
	"github.com/Fantasim/stablewatch/internal/logging"
	"github.com/Fantasim/stablewatch/internal/models"
	"github.com/Fantasim/stablewatch/internal/store"
	"github.com/Fantasim/stablewatch/internal/sweep"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	slog.Info("starting stablewatch",
		"version", version,
		"port", cfg.Port,
		"dbPath", cfg.DBPath,
		"logLevel", cfg.LogLevel,
	)

	db, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	keyring, err := keys.NewKeyring(cfg.MnemonicFile, cfg.KeySecret)
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	registry, err := buildAdapters(cfg, keyring)
	if err != nil {
		return fmt.Errorf("failed to build chain adapters: %w", err)
	}

	dispatcher := callback.New(cfg.SharedSecret, cfg.CallbackRetryDelays)

	gas := sweep.NewMonitor(cfg, registry)
	scheduler := sweep.NewScheduler(db, cfg, registry, keyring, gas)
	eng := engine.New(db, cfg, registry, dispatcher)

	// Repair state left by a crash before the loops start.
	eng.Maintain(context.Background())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gas.Start(runCtx)
	scheduler.Start(runCtx)
	eng.Start(runCtx)

	router := api.NewRouter(db, cfg, keyring, gas)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("initiating graceful shutdown", "timeout", config.ShutdownTimeout)

	// Engine first so no new callbacks or sweeps are queued, then the
	// scheduler finishes in-flight sweeps, then HTTP drains.
	eng.Stop()
	scheduler.Stop()
	gas.Stop()
	cancel()

	ctx, cancelShutdown := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	slog.Info("stablewatch stopped gracefully")
	return nil
}

// buildAdapters wires one adapter per enabled chain. EVM chains get the
// chain-family gas wallet key so sweeps can top up deposit addresses.
func buildAdapters(cfg *config.Config, keyring *keys.Keyring) (*chain.Registry, error) {
	registry := chain.NewRegistry()

	evmChains := []struct {
		chain    models.Chain
		rpcURL   string
		contract string
		chainID  int64
	}{
		{models.ChainEthereum, cfg.EthereumRPCURL, config.EthereumUSDTContract, config.EthereumChainID},
		{models.ChainBSC, cfg.BSCRPCURL, config.BSCUSDTContract, config.BSCChainID},
		{models.ChainPolygon, cfg.PolygonRPCURL, config.PolygonUSDTContract, config.PolygonChainID},
		{models.ChainBUSD, cfg.BSCRPCURL, config.BSCBUSDContract, config.BSCChainID},
	}
	for _, ec := range evmChains {
		gasKey, gasAddress, err := keyring.DeriveKey(ec.chain, cfg.GasWalletIndex(ec.chain))
		if err != nil {
			return nil, fmt.Errorf("derive %s gas wallet: %w", ec.chain, err)
		}

		adapter, err := chain.NewEVMAdapter(ec.chain, ec.rpcURL, ec.contract, ec.chainID, gasKey, gasAddress)
		if err != nil {
			return nil, err
		}
		registry.Register(adapter)
	}

	registry.Register(chain.NewSolanaAdapter(cfg.SolanaRPCURL, config.SolanaUSDTMint))
	registry.Register(chain.NewTronAdapter(cfg.TronAPIURL, cfg.TronAPIKey, config.TronUSDTContract))

	slog.Info("chain adapters registered", "chains", registry.Chains())
	return registry, nil
}
