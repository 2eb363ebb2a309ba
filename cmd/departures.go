package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var departuresCmd = &cobra.Command{
	Use:   "departures <stop_id>",
	Short: "Lists the next departures from a stop",
	Args:  cobra.ExactArgs(1),
	RunE:  departures,
}

func init() {
	rootCmd.AddCommand(departuresCmd)
}

func departures(cmd *cobra.Command, args []string) error {
	static, err := loadStatic()
	if err != nil {
		return err
	}

	board, err := static.Departures(args[0], time.Now())
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s)\n", board.StopName, board.StopID)
	for _, d := range board.Departures {
		fmt.Printf("%s %s (%d min) %s\n", d.RouteID, d.Time, d.EtaMinutes, d.Headsign)
	}

	return nil
}
