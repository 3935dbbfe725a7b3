package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"sortir/internal/app"
	"sortir/internal/model"
)

func newFetchCmd() *cobra.Command {
	var (
		agenda     string
		windowDays int
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Aggregate an agenda once, bypassing the cache, and print it as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(conf)
			if err != nil {
				return err
			}
			defer a.Close()

			ag, ok := a.Agenda(agenda)
			if !ok {
				return fmt.Errorf("unknown agenda %q", agenda)
			}
			days := ag.HorizonDays
			if windowDays > 0 {
				days = min(windowDays, ag.HorizonDays)
			}

			events, report, err := a.Aggregate(cmd.Context(), ag, model.WindowFrom(a.Now(), days))
			for _, s := range report.Sources {
				if s.Err != nil {
					cmd.PrintErrf("source %s failed after %d attempt(s): %v\n", s.Source, s.Attempts, s.Err)
				}
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"agenda": ag.Key,
				"events": events,
			})
		},
	}
	cmd.Flags().StringVar(&agenda, "agenda", "", "Agenda key (default: first configured agenda)")
	cmd.Flags().IntVar(&windowDays, "window-days", 0, "Days ahead to include (default: agenda horizon)")
	return cmd
}
