package commands

import (
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/liveness-lab/internal/config"
	"github.com/liveness-lab/internal/logging"
	"github.com/liveness-lab/internal/media"
	"github.com/liveness-lab/internal/model"
	"github.com/liveness-lab/internal/verify"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "livenessd",
	Short: "Multi-modal liveness verification challenges",
	Long: `livenessd hosts CTF-style liveness/identity challenges: players upload
audio or video, the service checks it against a reference speaker/face and
an expected spoken phrase, and reveals a flag when every gate passes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env if present (silently ignore if not found).
		_ = godotenv.Load()
		logging.Init()
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "challenges.yaml", "path to the challenge config file")
}

// buildPipeline wires the verification pipeline from deployment config.
func buildPipeline(cfg *config.Config) *verify.Pipeline {
	httpClient := &http.Client{Timeout: time.Duration(cfg.Models.TimeoutMS) * time.Millisecond}
	speaker := &model.SpeakerClient{
		URL:       cfg.Models.SpeakerURL,
		AuthToken: cfg.Models.AuthToken,
		Client:    httpClient,
		TimeoutMS: cfg.Models.TimeoutMS,
	}
	transcriber := &model.TranscriberClient{
		URL:       cfg.Models.TranscriberURL,
		AuthToken: cfg.Models.AuthToken,
		Client:    httpClient,
		TimeoutMS: cfg.Models.TimeoutMS,
	}
	face := &model.FaceClient{
		URL:       cfg.Models.FaceURL,
		AuthToken: cfg.Models.AuthToken,
		Client:    httpClient,
		TimeoutMS: cfg.Models.TimeoutMS,
	}
	return verify.NewPipeline(media.NewNormalizer(), speaker, transcriber, face, cfg.ScratchDir)
}
