package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var stopsCmd = &cobra.Command{
	Use:   "stops",
	Short: "Lists all stops in the schedule",
	Args:  cobra.NoArgs,
	RunE:  stops,
}

var grouped bool

func init() {
	stopsCmd.Flags().BoolVarP(&grouped, "grouped", "g", false, "Cluster same-named stops within walking distance")
	rootCmd.AddCommand(stopsCmd)
}

func stops(cmd *cobra.Command, args []string) error {
	static, err := loadStatic()
	if err != nil {
		return err
	}

	if grouped {
		for _, g := range static.StopGroups() {
			fmt.Printf("%s: %s (%.5f, %.5f) [%s]\n", g.ID, g.Name, g.Lat, g.Lon, strings.Join(g.StopIDs, ", "))
		}
		return nil
	}

	stops, err := static.Stops()
	if err != nil {
		return err
	}

	for _, stop := range stops {
		fmt.Printf("%s: %s\n", stop.ID, stop.Name)
	}

	return nil
}
