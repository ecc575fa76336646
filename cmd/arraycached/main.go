// Command arraycached is the thin daemon side of the cache engine: it
// loads configuration, builds an engine.Engine (metrics endpoint, circuit
// breaker, Storage Backend, Local-Storage Manager pool), and blocks until
// told to shut down. It does not serve application traffic itself — reads
// and writes happen in-process through the Interposing Shim that
// engine.Engine.OpenFile hands back to whatever links this module as a
// library.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hdfgroup/arraycache/internal/cacheconfig"
	"github.com/hdfgroup/arraycache/internal/engine"
	"github.com/hdfgroup/arraycache/pkg/utils"
)

func main() {
	yamlPath := flag.String("config", "", "path to a YAML configuration file")
	legacyPath := flag.String("legacy-config", "", "path to a legacy line-oriented configuration file")
	flag.Parse()

	if err := run(*yamlPath, *legacyPath); err != nil {
		fmt.Fprintf(os.Stderr, "arraycached: %v\n", err)
		os.Exit(1)
	}
}

func run(yamlPath, legacyPath string) error {
	cfg, err := cacheconfig.Load(yamlPath, legacyPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Logging.Level == "DEBUG" || cfg.Logging.Level == "TRACE" {
		dm := utils.GetDebugManager()
		dm.SetLogger(logger)
		dm.StartSession("arraycached", []utils.Component{
			utils.ComponentLSM,
			utils.ComponentBackend,
			utils.ComponentWritePipeline,
			utils.ComponentReadMirror,
			utils.ComponentFileCache,
			utils.ComponentShim,
		}, 10000)
		ctx = utils.WithContext(ctx, "arraycached")
	}

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Close(context.Background())

	logger.Info("arraycached ready", map[string]interface{}{
		"storage_path":   cfg.Storage.Path,
		"storage_type":   cfg.Storage.Type,
		"pool_capacity":  cfg.Storage.SizeBytes,
		"write_cache":    cfg.WriteCacheEnabled,
		"read_cache":     cfg.ReadCacheEnabled,
		"breaker_state":  eng.BreakerState().String(),
		"pool_remaining": eng.PoolRemaining(),
	})

	<-ctx.Done()
	logger.Info("arraycached shutting down", nil)
	return nil
}

func buildLogger(cfg *cacheconfig.Configuration) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		level = utils.INFO
	}
	format := utils.FormatText
	if cfg.Logging.Format == "json" {
		format = utils.FormatJSON
	}

	loggerCfg := &utils.StructuredLoggerConfig{
		Level:         level,
		Output:        os.Stdout,
		Format:        format,
		IncludeCaller: true,
	}
	if cfg.Logging.File != "" {
		loggerCfg.Rotation = utils.RankLogRotationConfig(cfg.Logging.File, cfg.Logging.IONode)
	}
	return utils.NewStructuredLogger(loggerCfg)
}
