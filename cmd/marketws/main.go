package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fushengyk/marketws/internal/binance"
	"github.com/fushengyk/marketws/internal/config"
	"github.com/fushengyk/marketws/internal/domain"
	"github.com/fushengyk/marketws/internal/logging"
	"github.com/fushengyk/marketws/internal/mirror"
	"github.com/fushengyk/marketws/internal/natsutil"
	"github.com/fushengyk/marketws/internal/okx"
	"github.com/fushengyk/marketws/internal/server"
	"github.com/fushengyk/marketws/internal/snapshot"
	"github.com/fushengyk/marketws/internal/source"
	"github.com/fushengyk/marketws/internal/stream"
	"github.com/fushengyk/marketws/internal/upstream"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		zap.S().Warnf("Failed to load %s: %v", *envFile, err)
	}

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Sugar().Fatalf("❌ Failed to load config: %v", err)
	}

	// Logger
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Sugar().Fatalf("❌ Failed to build logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	sugar.Infof("📡 Starting marketws (exchanges: %v)", cfg.EnabledExchanges())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	deps := stream.Deps{}
	var mirrorPub stream.Publisher

	// Snapshot store
	switch {
	case cfg.Redis.Enabled:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			sugar.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		deps.Snapshots = snapshot.NewRedis(rdb, cfg.Redis.KeyPrefix, cfg.Stream.SnapshotTTL)
		sugar.Infof("✅ Connected to Redis %s", cfg.Redis.Addr)
	case cfg.Stream.SnapshotTTL > 0:
		mem := snapshot.NewMemory(cfg.Stream.SnapshotTTL)
		g.Go(func() error { mem.Run(gctx); return nil })
		deps.Snapshots = mem
	}

	// NATS mirror
	if cfg.NATS.Enabled {
		nc, js, err := natsutil.Connect(cfg.NATS, "marketws", sugar)
		if err != nil {
			sugar.Fatalf("❌ %v", err)
		}
		defer nc.Close()
		sugar.Info("✅ Connected to NATS JetStream")

		if err := natsutil.EnsureStream(js, domain.StreamMirror, domain.StreamMirrorSubjects, cfg.NATS.MaxAge, sugar); err != nil {
			sugar.Fatalf("❌ %v", err)
		}
		pub := mirror.NewPublisher(js, sugar)
		g.Go(func() error { pub.Run(gctx, cfg.Upstream.StatsInterval); return nil })
		mirrorPub = pub
	}

	// Every upstream update is mirrored and snapshotted once, by the recorder
	var sink domain.Sink
	if deps.Snapshots != nil || mirrorPub != nil {
		rec := stream.NewRecorder(deps.Snapshots, mirrorPub, stream.NewOptions(cfg.Server, cfg.Stream), sugar)
		g.Go(func() error { rec.Run(gctx); return nil })
		sink = rec
	}

	// Exchange sources
	registry := source.NewRegistry(gctx, sugar)
	if cfg.Binance.Enabled {
		hub := upstream.NewHub("Binance", cfg.Upstream, sugar)
		g.Go(func() error { hub.Run(gctx); return nil })
		registry.Register(domain.ExchangeBinance, func() (domain.Source, error) {
			return binance.NewSource(cfg.Binance, hub, sink, sugar), nil
		})
	}
	if cfg.OKX.Enabled {
		hub := upstream.NewHub("OKX", cfg.Upstream, sugar)
		g.Go(func() error { hub.Run(gctx); return nil })
		registry.Register(domain.ExchangeOKX, func() (domain.Source, error) {
			return okx.NewSource(cfg.OKX, hub, sink, sugar), nil
		})
	}

	srv := server.NewServer(cfg, registry, deps, sugar)
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		sugar.Errorf("❌ Server stopped: %v", err)
		return
	}
	sugar.Info("🛑 marketws stopped")
}
