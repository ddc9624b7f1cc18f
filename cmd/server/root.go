package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/engagement-engine/api"
	"github.com/warp/engagement-engine/catalog"
	"github.com/warp/engagement-engine/config"
	"github.com/warp/engagement-engine/engagement"
	"github.com/warp/engagement-engine/engagement/store"
	"github.com/warp/engagement-engine/metrics"
	"github.com/warp/engagement-engine/store/sqlite"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "server",
		Short:         "Patient engagement scoring and progression engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")

	load := func() (config.Config, error) { return config.Load(configPath) }

	root.AddCommand(
		newServeCmd(load),
		newReconcileCmd(load),
		newAccountCmd(load),
		newLeaderboardCmd(load),
		newCatalogCmd(load),
		newConfigCmd(load),
		newEmitCmd(load),
	)
	return root
}

// =============================================================================
// RUNTIME - Everything a command needs, built from one Config
// =============================================================================

type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	engine   *engagement.Engine
	recorder *metrics.Recorder
	runs     engagement.ReconciliationLog
	resetter api.Resetter
	close    func() error
}

func newRuntime(cfg config.Config) (*runtime, error) {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	cat, err := loadCatalog(cfg.Catalog, time.Now())
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger, recorder: metrics.New()}

	var st engagement.TxStore
	switch cfg.Store.Driver {
	case "sqlite":
		db, err := sqlite.New(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.Store.Path, err)
		}
		st, rt.runs, rt.resetter, rt.close = db, db, db, db.Close
	default:
		mem := store.NewTxMemory()
		st, rt.runs, rt.resetter = mem, mem, mem
		rt.close = func() error { return nil }
	}

	opts := append(cfg.EngineOptions(),
		engagement.WithLogger(logger),
		engagement.WithRecorder(rt.recorder))
	rt.engine = engagement.NewEngine(st, cat, opts...)

	logger.Debug("runtime ready",
		"store", cfg.Store.Driver,
		"achievements", len(cat.Achievements()),
		"challenges", len(cat.Challenges()))
	return rt, nil
}

// withRuntime builds a runtime for a one-shot command and closes it after.
func withRuntime(load func() (config.Config, error), fn func(context.Context, *runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.close()
		return fn(cmd.Context(), rt)
	}
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("logging level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h), nil
}

// loadCatalog reads the configured document. Without one, the built-in
// catalog is used with a challenge for the current month so challenge
// endpoints and the challenge-race scenario have something to work on.
func loadCatalog(cfg config.CatalogConfig, now time.Time) (*engagement.StaticCatalog, error) {
	if cfg.Path != "" {
		return catalog.Load(cfg.Path)
	}
	now = now.UTC()
	doc := catalog.DefaultDocument()
	doc.Challenges = append(doc.Challenges, catalog.MonthlyChallenge(
		fmt.Sprintf("wellness-%d-%02d", now.Year(), now.Month()),
		now.Month().String()+" Wellness",
		now.Year(), now.Month(), 20,
		"Complete a session",
		"Message your care team",
		"Write a journal entry",
		"Try a motivation tool",
	))
	return catalog.FromJSON(doc)
}
