package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/okura/internal/api"
	"github.com/shizukutanaka/okura/internal/config"
	"github.com/shizukutanaka/okura/internal/monitoring"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP status server with Prometheus metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		metrics := monitoring.New("okura")
		engine, err := openEngine(cfg, logger, metrics, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		server := api.NewServer(cfg.API, logger, engine, metrics)
		if err := server.Start(); err != nil {
			return err
		}

		// Rate limits are the one hot-reloadable knob: watch the config
		// file and push changes into the running limiters.
		if cfgFile != "" {
			watcher, err := config.NewWatcher(logger, cfgFile)
			if err != nil {
				return err
			}
			if err := watcher.Start(func(next *config.Config) {
				if lim := engine.BackupLimiter(); lim != nil && next.Backup.RateLimit > 0 {
					if err := lim.SetBytesPerSecond(next.Backup.RateLimit); err != nil {
						logger.Warn("backup rate update rejected", zap.Error(err))
					}
				}
				if lim := engine.RestoreLimiter(); lim != nil && next.Restore.RateLimit > 0 {
					if err := lim.SetBytesPerSecond(next.Restore.RateLimit); err != nil {
						logger.Warn("restore rate update rejected", zap.Error(err))
					}
				}
			}); err != nil {
				return err
			}
			defer watcher.Stop()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
