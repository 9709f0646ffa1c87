package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/liveness-lab/internal/config"
	"github.com/liveness-lab/internal/model"
)

var verifyChallengeID string

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Run one file through a challenge pipeline and print the result",
	Long: `verify runs a local media file through the same pipeline the server
uses and prints the scores and verdict as JSON. Useful for tuning
thresholds and smoke-testing model endpoints.

Examples:
  livenessd verify -c challenges.yaml --challenge voice-gate sample.wav
  livenessd verify --challenge tri-gate clip.mp4`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ch := cfg.ChallengeByID(verifyChallengeID)
		if ch == nil {
			return fmt.Errorf("unknown challenge %q", verifyChallengeID)
		}
		blob, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		pipeline := buildPipeline(cfg)
		ctx := model.WithCorrelationID(context.Background(), uuid.NewString())
		res, err := pipeline.Verify(ctx, ch, blob)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyChallengeID, "challenge", "", "challenge id to verify against")
	_ = verifyCmd.MarkFlagRequired("challenge")
	rootCmd.AddCommand(verifyCmd)
}
