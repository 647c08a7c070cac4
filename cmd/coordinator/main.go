// Moltcraft crafting coordinator
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/db"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/message"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/planner"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/recipeconfig"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/robotcoord"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/scheduler"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/storageclient"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/storageview"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/ticketstore"
	"github.com/riftworks/moltcraft-coordinator/internal/coordinator/topology"
)

func main() {
	dbPath := flag.String("db", "data/coordinator/recipes.db", "Path to SQLite recipe database")
	recipesPath := flag.String("recipes", "", "Load recipes from a text configuration file and exit")
	topologyPath := flag.String("topology", "robots.config", "Path to the topology config produced by the setup utility")
	listenAddr := flag.String("listen", "0.0.0.0:7420", "UDP address to listen on")
	broadcastAddr := flag.String("broadcast", "255.255.255.255:7420", "UDP broadcast address")
	discoverTimeout := flag.Duration("discover-timeout", 2*time.Second, "Per-attempt storage discovery timeout")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	database, err := db.OpenAndInit(ctx, *dbPath)
	if err != nil {
		logger.Error("failed to open recipe database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = database.Close() }()

	if *recipesPath != "" {
		loader := recipeconfig.NewLoader(database)
		count, err := loader.LoadFromFile(ctx, *recipesPath)
		if err != nil {
			logger.Error("failed to load recipe configuration", "error", err)
			os.Exit(1)
		}
		logger.Info("recipes loaded", "count", count, "file", *recipesPath)
		return
	}

	topo, err := topology.Load(*topologyPath)
	if err != nil {
		logger.Error("failed to load topology", "error", err, "path", *topologyPath)
		os.Exit(1)
	}

	bus, err := message.New(*listenAddr, *broadcastAddr, 4096, message.WithLogger(logger))
	if err != nil {
		logger.Error("failed to start message bus", "error", err)
		os.Exit(1)
	}
	defer func() { _ = bus.Close() }()

	storageAddr, err := storageclient.Discover(ctx, bus, *discoverTimeout)
	if err != nil {
		logger.Error("storage discovery failed", "error", err)
		os.Exit(1)
	}
	logger.Info("storage discovered", "address", storageAddr)

	recipeStore := db.NewRecipeStore(database)
	cache, err := planner.NewCache(256)
	if err != nil {
		logger.Error("failed to create planner cache", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(
		bus,
		ticketstore.New(),
		planner.New(recipeStore, cache),
		recipeStore,
		storageview.NewBuilder(recipeStore),
		storageclient.New(bus, storageAddr),
		robotcoord.New(bus),
		topo,
		logger,
	)

	logger.Info("coordinator started", "db", *dbPath, "listen", *listenAddr)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "coordinator stopped")
			return
		default:
		}
		if err := sched.Tick(ctx); err != nil && ctx.Err() == nil {
			logger.Error("tick error", "error", err)
		}
	}
}
