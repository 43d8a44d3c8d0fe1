package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nick-mccoy/tap-postgres/pkg/catalog"
	"github.com/nick-mccoy/tap-postgres/pkg/config"
	"github.com/nick-mccoy/tap-postgres/pkg/discovery"
	"github.com/nick-mccoy/tap-postgres/pkg/logging"
	"github.com/nick-mccoy/tap-postgres/pkg/messages"
	"github.com/nick-mccoy/tap-postgres/pkg/postgres"
	"github.com/nick-mccoy/tap-postgres/pkg/state"
	syncpkg "github.com/nick-mccoy/tap-postgres/pkg/sync"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	discover := flag.Bool("discover", false, "run discovery and dump the catalog to stdout")
	catalogPath := flag.String("catalog", "", "path to the catalog document (required for sync)")
	statePath := flag.String("state", "", "path to a previously emitted state document")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Messages own stdout; logs go to stderr.
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger = logger.With(
		zap.String("version", Version),
		zap.String("run_id", uuid.NewString()),
	)

	ctx := context.Background()
	pgCfg := postgres.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
		SSLMode:  cfg.SSLMode,
	}

	if *discover {
		if err := runDiscovery(ctx, pgCfg, logger); err != nil {
			logger.Fatal("discovery failed", zap.String("error", logging.SanitizeError(err)))
		}
		return
	}

	if *catalogPath == "" {
		logger.Fatal("sync mode requires -catalog (or run with -discover)")
	}
	if err := runSync(ctx, cfg, pgCfg, *catalogPath, *statePath, logger); err != nil {
		logger.Fatal("sync failed", zap.String("error", logging.SanitizeError(err)))
	}
}

func runDiscovery(ctx context.Context, pgCfg postgres.Config, logger *zap.Logger) error {
	executor := postgres.NewMetadataExecutor(pgCfg, logger)
	discoverer := discovery.NewDiscoverer(executor, logger)

	cat, err := discoverer.Discover(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cat)
}

func runSync(ctx context.Context, cfg *config.Config, pgCfg postgres.Config, catalogPath, statePath string, logger *zap.Logger) error {
	cat, err := loadCatalog(catalogPath)
	if err != nil {
		return err
	}

	snap := state.New()
	if statePath != "" {
		snap, err = loadState(statePath)
		if err != nil {
			return err
		}
	}

	sink := messages.NewEmitter(os.Stdout)
	orchestrator := syncpkg.NewOrchestrator(
		postgres.NewFullTableStrategy(pgCfg, sink, logger),
		postgres.NewLogBasedStrategy(pgCfg, sink, cfg.ReplicationSlot, logger),
		sink,
		logger,
	)

	_, err = orchestrator.Sync(ctx, cat, snap, cfg.ReplicationMethod())
	return err
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cat catalog.Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

func loadState(path string) (state.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return state.New(), fmt.Errorf("read state: %w", err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return state.New(), fmt.Errorf("parse state: %w", err)
	}
	return snap, nil
}
