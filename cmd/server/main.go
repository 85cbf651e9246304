package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradechain/internal/certificate"
	"tradechain/internal/config"
	"tradechain/internal/eip1193"
	"tradechain/internal/escrow"
	"tradechain/internal/idempotency"
	"tradechain/internal/logging"
	"tradechain/internal/marketplace"
	"tradechain/internal/metrics"
	"tradechain/internal/reputation"
	"tradechain/internal/server"
	"tradechain/internal/wallet"
)

const purgeInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("tradechain", cfg.Log.Env, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpcProvider, err := eip1193.DialRPC(ctx, cfg.Chain.RPCURL, eip1193.RPCOptions{
		RequestsPerSecond: cfg.Chain.RPCRateLimit,
		WatchInterval:     cfg.Chain.WatchInterval,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("rpc provider error", "error", err)
		os.Exit(1)
	}
	defer rpcProvider.Close()
	go rpcProvider.Watch(ctx)

	// A configured key signs locally; otherwise the node's unlocked
	// accounts are used.
	var provider eip1193.Provider = rpcProvider
	if cfg.Chain.PrivateKey != "" {
		keyed, err := eip1193.NewKeyedProvider(rpcProvider, cfg.Chain.PrivateKey)
		if err != nil {
			logger.Error("signing key error", "error", err)
			os.Exit(1)
		}
		provider = keyed
	}

	reg := metrics.New()
	opts := cfg.ContractOptions()
	opts.Observer = reg
	opts.Logger = logger

	// Connecting waits for the wallet to approve access, like a signature.
	session := wallet.NewSession(provider, cfg.Deployments, wallet.Options{
		Contracts:      opts,
		ConnectTimeout: cfg.Tx.SignatureTimeout,
		Logger:         logger,
	})
	defer session.Close()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("idempotency store error", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	apiServer := server.NewServer(cfg, server.Deps{
		Session:      session,
		Escrow:       escrow.NewEthClient(session, escrow.EthClientConfig{Logger: logger}),
		Certificates: certificate.NewEthClient(session, logger),
		Reputation:   reputation.NewEthClient(session),
		Marketplace:  marketplace.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.Timeout),
		Store:        store,
		Metrics:      reg,
		Logger:       logger,
		RPCHealth: func(ctx context.Context) error {
			_, err := rpcProvider.Request(ctx, "eth_chainId")
			return err
		},
	})

	if st, err := session.Connect(ctx); err != nil {
		logger.Warn("initial wallet connect failed", "error", err)
	} else {
		reg.IncSession("connect")
		logger.Info("wallet ready", "network", session.NetworkName(), "balance", st.NativeBalance)
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Info("server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// openStore picks Postgres when a DSN is configured and the file store
// otherwise.
func openStore(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (idempotency.Store, func(), error) {
	if cfg.Service.PostgresDSN == "" {
		fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		return fs, func() {}, err
	}
	pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	go func() {
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := pg.Purge(ctx)
				if err != nil {
					logger.Warn("idempotency purge failed", "error", err)
					continue
				}
				logger.Debug("idempotency records purged", "count", n)
			}
		}
	}()
	return pg, pg.Close, nil
}
