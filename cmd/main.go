package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"zagmap.dev/transit"
	"zagmap.dev/transit/config"
	"zagmap.dev/transit/downloader"
	"zagmap.dev/transit/storage"
)

var rootCmd = &cobra.Command{
	Use:          "transit",
	Short:        "Transit schedule and live vehicle tool",
	Long:         "Serves and queries a GTFS schedule with a live vehicle feed",
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config YAML")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		if _, err := os.Stat("config.yml"); err == nil {
			configPath = "config.yml"
		}
	}
	return config.Load(configPath)
}

func newStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		return storage.NewSQLiteStorage(storage.SQLiteConfig{
			OnDisk:    cfg.Storage.DSN != "",
			Directory: cfg.Storage.DSN,
		})
	case "postgres":
		return storage.NewPSQLStorage(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend '%s'", cfg.Storage.Backend)
	}
}

func newManager(cfg *config.Config) (*transit.Manager, error) {
	s, err := newStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating storage: %w", err)
	}

	manager := transit.NewManager(s)
	manager.ClusterThreshold = cfg.Static.ClusterThresholdMeters

	// With a cache file configured, downloaded bundles are reused
	// across runs until the refresh interval passes.
	if cfg.Static.CachePath != "" {
		fs, err := downloader.NewFilesystem(cfg.Static.CachePath)
		if err != nil {
			return nil, fmt.Errorf("opening bundle cache: %w", err)
		}
		manager.Downloader = fs
		manager.CacheTTL = cfg.StaticRefresh()
		if manager.CacheTTL <= 0 {
			manager.CacheTTL = transit.DefaultStaticRefreshInterval
		}
	}

	return manager, nil
}

// loadStatic builds a manager and synchronously loads the configured
// bundle. For the one-shot query commands.
func loadStatic() (*transit.Static, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	manager, err := newManager(cfg)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.Static.Path != "":
		err = manager.LoadFromFile(cfg.Static.Path)
	case cfg.Static.URL != "":
		err = manager.LoadFromURL(context.Background(), cfg.Static.URL)
	default:
		return nil, fmt.Errorf("no static bundle configured")
	}
	if err != nil {
		return nil, fmt.Errorf("loading bundle: %w", err)
	}

	return manager.Current()
}
