package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "voicemesh-peer",
	Short: "Headless full-mesh WebRTC participant",
	Long: `voicemesh-peer joins a room on a VoiceMesh relay and keeps one WebRTC
connection to every other member. It publishes Opus silence (and an idle
video track when asked) and logs what it receives.`,
}

// Execute runs the root command until it returns or the process is interrupted.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("voicemesh-peer")
		cancel()
		os.Exit(1)
	}
}
