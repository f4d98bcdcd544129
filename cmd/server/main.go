// Command server runs the Cloud Code gateway.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antigravity-tools/cloudcode-gateway/internal/account"
	"github.com/antigravity-tools/cloudcode-gateway/internal/auth"
	"github.com/antigravity-tools/cloudcode-gateway/internal/cloudcode"
	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
	"github.com/antigravity-tools/cloudcode-gateway/internal/format"
	"github.com/antigravity-tools/cloudcode-gateway/internal/server"
	"github.com/antigravity-tools/cloudcode-gateway/internal/stats"
	"github.com/antigravity-tools/cloudcode-gateway/internal/token"
	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
)

func main() {
	var (
		configPath string
		debug      bool
		port       int
		host       string
	)
	flag.StringVar(&configPath, "config", "", "Path to config file (default: ./config.yaml, ~/.cloudcode-gateway/config.yaml)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.IntVar(&port, "port", 0, "Override listen port")
	flag.StringVar(&host, "host", "", "Override bind address")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		utils.Error("[Startup] %v", err)
		os.Exit(1)
	}
	if debug {
		cfg.Debug = true
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
	utils.SetDebug(cfg.Debug)

	// Optional Redis backing for the signature cache.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			utils.Warn("[Startup] Redis unreachable (%v), signature cache is memory-only", err)
			rdb = nil
		}
		cancel()
	}
	format.InitSignatureCache(rdb)

	var statsStore *stats.Store
	if cfg.Stats.Path != "" {
		statsStore, err = stats.Open(cfg.Stats.Path)
		if err != nil {
			utils.Error("[Startup] %v", err)
			os.Exit(1)
		}
		defer statsStore.Close()
	}

	store, err := account.NewStore(cfg.Accounts.Dir)
	if err != nil {
		utils.Error("[Startup] %v", err)
		os.Exit(1)
	}

	upstream, err := cloudcode.NewUpstreamClient(cfg.Upstream.ProxyURL)
	if err != nil {
		utils.Error("[Startup] %v", err)
		os.Exit(1)
	}
	resolver := cloudcode.NewProjectResolver(upstream)

	manager := token.NewManager(store, auth.NewRefresher(), resolver, cfg.Scheduling)
	count, err := manager.LoadAccounts()
	if err != nil {
		utils.Error("[Startup] Failed to load accounts: %v", err)
		os.Exit(1)
	}
	if count == 0 {
		utils.Warn("[Startup] No usable accounts in %s; requests will fail until some are added", cfg.Accounts.Dir)
	}

	srv := server.New(cfg, manager, upstream, resolver, statsStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	utils.Success("Gateway ready on http://%s (accounts: %d, scheduling: %s)",
		cfg.Addr(), count, cfg.Scheduling.Mode)
	if err := srv.Run(ctx); err != nil {
		utils.Error("[Server] %v", err)
		os.Exit(1)
	}

	if rdb != nil {
		_ = rdb.Close()
	}
	utils.Success("Gateway stopped")
}
