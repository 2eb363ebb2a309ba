package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"zagmap.dev/transit"
)

var vehiclesCmd = &cobra.Command{
	Use:   "vehicles",
	Short: "Fetches the live vehicle feed once and prints it",
	Args:  cobra.NoArgs,
	RunE:  vehicles,
}

func init() {
	rootCmd.AddCommand(vehiclesCmd)
}

func vehicles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Realtime.URL == "" {
		return fmt.Errorf("no realtime feed configured")
	}

	ingestor := transit.NewIngestor(transit.IngestorOptions{
		URL:             cfg.Realtime.URL,
		Timeout:         cfg.RealtimeTimeout(),
		TramRouteCutoff: cfg.Realtime.TramRouteCutoff,
	})

	snapshot, err := ingestor.Latest(context.Background())
	if err != nil {
		return err
	}

	if snapshot.Updated != nil {
		fmt.Printf("updated: %d\n", *snapshot.Updated)
	}
	for _, v := range snapshot.Vehicles {
		fmt.Printf("%s %s route=%s (%.5f, %.5f)\n", v.Type, v.ID, v.RouteID, v.Latitude, v.Longitude)
	}

	return nil
}
