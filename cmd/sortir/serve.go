package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sortir/internal/app"
	appLog "sortir/internal/log"
	"sortir/internal/metrics"
	"sortir/internal/schedule"
	"sortir/internal/web"
)

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the refresh schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			// CLI --listen overrides config file and environment.
			if listen != "" {
				conf.Listen = listen
			}

			appLog.Info("sortir starting", "version", version)
			appLog.Info("effective config",
				"listen", conf.Listen,
				"timezone", conf.Timezone,
				"refresh", conf.RefreshCron,
				"horizon_days", conf.HorizonDays,
				"cache_backend", conf.Cache.Backend,
				"sources", len(conf.Sources),
				"agendas", len(conf.Agendas),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(conf, app.WithMetrics(metrics.New()))
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := schedule.New(conf.RefreshCron, a.Location(), a, conf.Cache.RefreshTimeout*time.Duration(max(1, len(conf.Agendas))))
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			// Warm every agenda without delaying startup.
			go sched.Run()

			srv := &http.Server{
				Addr:              conf.Listen,
				Handler:           web.NewServer(a).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				appLog.Info("signal received, shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				appLog.Error("http shutdown failed", err)
			}
			appLog.Info("sortir exiting")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}
