package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/params"
	"github.com/uhyunpark/hyperescrow/pkg/abci"
	"github.com/uhyunpark/hyperescrow/pkg/api"
	"github.com/uhyunpark/hyperescrow/pkg/app/market"
	"github.com/uhyunpark/hyperescrow/pkg/lease"
	"github.com/uhyunpark/hyperescrow/pkg/metrics"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
	"github.com/uhyunpark/hyperescrow/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file; LOG_FILE=- for console only)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", logger.Level().String())

	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("config_invalid", "err", err)
	}
	escrowCfg, _ := cfg.EscrowConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Writer lease (optional) ----
	// Enable with: REDIS_ADDR=host:port
	if cfg.Lease.RedisAddr != "" {
		rdb := lease.Dial(cfg.Lease.RedisAddr)
		defer rdb.Close()
		l, err := lease.Acquire(ctx, rdb, lease.Key(cfg.Node.DataDir), cfg.Lease.TTL, logger.Named("lease"))
		if err != nil {
			sugar.Fatalw("lease_unavailable", "data_dir", cfg.Node.DataDir, "err", err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.Release(releaseCtx); err != nil {
				sugar.Warnw("lease_release_failed", "err", err)
			}
		}()
		go l.Keep(ctx, func(error) { stop() })
	} else {
		sugar.Info("lease_disabled")
	}

	// ---- Storage ----
	store, err := storage.NewPebbleStore(cfg.Node.DataDir)
	if err != nil {
		sugar.Fatalw("store_open_failed", "data_dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	// ---- App: escrow engine ----
	app, err := market.New(market.Config{
		Escrow:        escrowCfg,
		Domain:        cfg.Domain(),
		MaxBlockBytes: cfg.Node.MaxBlockBytes,
	}, store, logger.Named("market"))
	if err != nil {
		sugar.Fatalw("app_init_failed", "err", err)
	}
	if app.LastHeight() == 0 && app.AppHash() == (common.Hash{}) {
		if cfg.Node.DevGenesis {
			if err := app.InitGenesis(market.DevGenesis(time.Now().Unix(), cfg.Node.DevAccounts...)); err != nil {
				sugar.Fatalw("genesis_failed", "err", err)
			}
		} else {
			sugar.Info("empty_state - set DEV_GENESIS=true to seed demo collection and token")
		}
	}

	m := metrics.New()
	app.SetObserver(m)

	sugar.Infow("node_starting",
		"escrow", escrowCfg.Address.Hex(),
		"operator", escrowCfg.Operator.Hex(),
		"refund_mode", escrowCfg.RefundMode.String(),
		"height", app.LastHeight(),
		"app_hash", app.AppHash().Hex(),
		"min_block_time_ms", cfg.Node.MinBlockTime.Milliseconds())

	// ---- API Server ----
	// HTTP/WebSocket server for wallets and frontends
	apiServer := api.NewServer(app, api.Options{
		CORSOrigins: cfg.API.CORSOrigins,
		Metrics:     m.Handler(),
		Logger:      logger.Named("api"),
	})
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Errorw("api_server_failed", "err", err)
			stop()
		}
	}()

	// ---- Block producer ----
	producer := abci.NewProducer(app, util.RealClock{}, cfg.Node.MinBlockTime, cfg.Node.MaxBlockBytes, logger.Named("producer"))
	if err := producer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("producer_failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	sugar.Infow("node_stopped", "height", app.LastHeight())
}
