package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var timetableCmd = &cobra.Command{
	Use:   "timetable <trip_id>",
	Short: "Prints the stop timetable for a trip",
	Args:  cobra.ExactArgs(1),
	RunE:  timetable,
}

func init() {
	rootCmd.AddCommand(timetableCmd)
}

func timetable(cmd *cobra.Command, args []string) error {
	static, err := loadStatic()
	if err != nil {
		return err
	}

	tt, err := static.Timetable(args[0])
	if err != nil {
		return err
	}

	for _, stop := range tt.Stops {
		fmt.Printf("%s %s (%s)\n", stop.Arrival, stop.StopName, stop.StopID)
	}

	return nil
}
