package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"zagmap.dev/transit"
	"zagmap.dev/transit/metrics"
	"zagmap.dev/transit/publish"
	"zagmap.dev/transit/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the HTTP service",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	manager, err := newManager(cfg)
	if err != nil {
		return err
	}
	manager.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load the schedule. A failed load leaves the service up but
	// degraded: schedule endpoints answer 503 until a refresh
	// succeeds.
	switch {
	case cfg.Static.Path != "":
		err = manager.LoadFromFile(cfg.Static.Path)
	case cfg.Static.URL != "":
		err = manager.LoadFromURL(ctx, cfg.Static.URL)
	default:
		err = fmt.Errorf("no static bundle configured")
	}
	if err != nil {
		logger.Warn("static schedule unavailable, serving degraded", zap.Error(err))
	}

	if cfg.StaticRefresh() > 0 {
		go manager.RunRefresh(ctx, cfg.StaticRefresh())
	}

	var (
		hub      *transit.Hub
		ingestor *transit.Ingestor
	)
	subscriberCount := func() int { return 0 }
	if cfg.Realtime.URL != "" {
		hub = transit.NewHub()
		subscriberCount = hub.SubscriberCount
	}

	collector := metrics.NewCollector(subscriberCount)

	if cfg.Realtime.URL != "" {
		ingestor = transit.NewIngestor(transit.IngestorOptions{
			URL:             cfg.Realtime.URL,
			PollInterval:    cfg.PollInterval(),
			Timeout:         cfg.RealtimeTimeout(),
			TramRouteCutoff: cfg.Realtime.TramRouteCutoff,
			Logger:          logger,
			Metrics:         collector,
		})
		ingestor.AddSink(hub)

		if cfg.NATS.URL != "" {
			publisher, err := publish.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger, collector)
			if err != nil {
				return fmt.Errorf("connecting nats mirror: %w", err)
			}
			defer publisher.Close()
			ingestor.AddSink(publisher)
		}

		go ingestor.Run(ctx)
	}

	srv := server.New(server.Options{
		Listen:   cfg.Listen,
		Manager:  manager,
		Ingestor: ingestor,
		Hub:      hub,
		Logger:   logger,
		Metrics:  collector,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigs:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
