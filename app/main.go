package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lootwatch/lootwatch/app/api"
	"github.com/lootwatch/lootwatch/app/cfg"
	"github.com/lootwatch/lootwatch/app/database"
	"github.com/lootwatch/lootwatch/app/deal"
	"github.com/lootwatch/lootwatch/app/feed"
	"github.com/lootwatch/lootwatch/app/parse"
	"github.com/lootwatch/lootwatch/app/pipeline"
	"github.com/lootwatch/lootwatch/app/ratelimit"
	"github.com/lootwatch/lootwatch/app/resolver"
	"github.com/lootwatch/lootwatch/app/scheduler"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown
		return
	}

	level := slog.LevelInfo
	if appCfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	slog.Info("Starting Lootwatch", "version", appCfg.Version)

	db, err := database.NewConnection(appCfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "path", appCfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Database ready", "path", appCfg.DBPath, "schema_version", version, "dirty", dirty)

	ledger := database.NewLedger(db)
	gameCache := database.NewGameCache(db)

	rules, err := parse.LoadRules(appCfg.RulesFile)
	if err != nil {
		slog.Error("Failed to load parse rules", "file", appCfg.RulesFile, "error", err)
		os.Exit(1)
	}
	parser := parse.NewParser(rules)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	cacheTTL := time.Duration(appCfg.CacheTTL) * time.Second

	registry := resolver.NewRegistry()
	registry.Register(resolver.NewSteam(httpClient, appCfg.UserAgent,
		ratelimit.NewBucket(appCfg.Burst, appCfg.SteamRPS), gameCache, cacheTTL))
	registry.Register(resolver.NewEpic(httpClient, appCfg.UserAgent,
		ratelimit.NewBucket(appCfg.Burst, appCfg.EpicRPS), gameCache, cacheTTL))
	registry.Register(resolver.NewGOG(httpClient, appCfg.UserAgent,
		ratelimit.NewBucket(appCfg.Burst, appCfg.GOGRPS), gameCache, cacheTTL))
	registry.Register(resolver.NewItch(httpClient, appCfg.UserAgent,
		ratelimit.NewBucket(appCfg.Burst, appCfg.ItchRPS), gameCache, cacheTTL))
	registry.Register(resolver.NewPlayStation(httpClient, appCfg.UserAgent,
		ratelimit.NewBucket(appCfg.Burst, appCfg.PSRPS), gameCache, cacheTTL))
	registry.Register(resolver.NewSearch(registry))

	ingestor := feed.NewIngestor(appCfg.FeedURL, httpClient, appCfg.UserAgent, 30*time.Second)

	emitter := pipeline.NewChannelEmitter(appCfg.EmitBuffer)
	go logEmittedDeals(emitter.Deals())

	p := pipeline.New(ingestor, parser, registry, ledger, emitter, pipeline.Options{
		MaxConcurrent:  appCfg.MaxConcurrent,
		RetryAttempts:  uint(appCfg.RetryAttempts),
		RetryBaseDelay: time.Duration(appCfg.RetryBaseDelay) * time.Second,
		RetryMaxDelay:  time.Duration(appCfg.RetryMaxDelay) * time.Second,
		RateLimitFloor: time.Duration(appCfg.RateLimitFloor) * time.Second,
		CycleTimeout:   time.Duration(appCfg.CycleTimeout) * time.Second,
	}, slog.Default())

	retention := time.Duration(appCfg.RetentionDays) * 24 * time.Hour
	sched := scheduler.NewScheduler(p, ledger, time.Duration(appCfg.PollInterval)*time.Second, retention)
	sched.Start()
	defer sched.Stop()

	apiHandler := api.NewHandler(ledger, p, sched, appCfg.Version)
	server := api.NewServer(apiHandler, appCfg.APIAccessKey)

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", "port", appCfg.Port, "api_enabled", appCfg.APIAccessKey != "")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	slog.Info("Lootwatch started", "feed", appCfg.FeedURL, "poll_interval", appCfg.PollInterval)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func logEmittedDeals(deals <-chan *deal.Enriched) {
	for d := range deals {
		slog.Info("Deal ready for delivery",
			"key", deal.KeyFor(d),
			"title", d.Title,
			"platform", d.Platform,
			"url", d.StoreURL,
			"free", d.IsFree)
	}
}
