package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/warp/engagement-engine/api"
	"github.com/warp/engagement-engine/config"
	"github.com/warp/engagement-engine/ingest"
)

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, reconciliation scheduler and Kafka consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides config)")
	return cmd
}

func serve(parent context.Context, cfg config.Config) error {
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(0)
	if cfg.Reconciliation.Enabled {
		interval = cfg.Reconciliation.Interval
	}
	scheduler := api.NewReconciliationScheduler(rt.engine, rt.runs, interval, rt.logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	handler := api.NewHandler(rt.engine, scheduler, rt.resetter, rt.logger)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, rt.recorder.Handler(), cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.logger.Info("server starting", "addr", server.Addr, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Kafka.Enabled {
		source := ingest.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
		consumer := ingest.NewConsumer(source, rt.engine,
			ingest.WithLogger(rt.logger),
			ingest.WithCounter(rt.recorder),
			ingest.WithRetry(cfg.Kafka.MaxAttempts, cfg.Kafka.RetryBackoff))
		g.Go(func() error {
			defer source.Close()
			rt.logger.Info("kafka consumer starting",
				"brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID)
			return consumer.Run(gctx)
		})
	}

	fmt.Println(color.GreenString("Engagement engine listening on http://%s", server.Addr))

	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	rt.logger.Info("server stopped")
	return nil
}
