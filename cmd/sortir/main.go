package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sortir/internal/config"
	appLog "sortir/internal/log"
)

const version = "1.0.0"

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:           "sortir",
		Short:         "Aggregates local event sources into one cached agenda",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/sortir/config.yaml", "Path to config file")

	rootCmd.AddCommand(newServeCmd(), newFetchCmd(), newSourcesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies its logging settings.
func loadConfig() (*config.Config, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	appLog.SetOutput(os.Stderr, conf.LogFormat)
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	return conf, nil
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range conf.Sources {
				fmt.Fprintf(out, "%-20s %-5s %s\n", s.Name, s.Type, appLog.RedactURL(s.URL))
			}
			return nil
		},
	}
}
