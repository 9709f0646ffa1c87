package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/liveness-lab/internal/config"
	"github.com/liveness-lab/internal/logging"
	"github.com/liveness-lab/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the challenge HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			logging.Errorw("config load failed", "path", configPath, "err", err)
			return err
		}
		pipeline := buildPipeline(cfg)
		srv := server.New(cfg, pipeline).HTTPServer()

		// Build reference profiles ahead of the first request. Failures are
		// cached and resurface per modality, so a cold model service at boot
		// does not keep the server from starting.
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 5*time.Minute)
		go func() {
			defer warmCancel()
			pipeline.Warm(warmCtx, cfg.Challenges)
		}()

		errCh := make(chan error, 1)
		go func() {
			logging.Infow("listening", "addr", cfg.ListenAddr, "challenges", len(cfg.Challenges))
			errCh <- srv.ListenAndServe()
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-stop:
			logging.Infow("shutdown signal received", "signal", sig.String())
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Errorw("server error", "err", err)
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warnw("shutdown error", "err", err)
		}
		_ = logging.Sync()
		logging.Infow("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
