package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eschnou/sunorooms/config"
	"github.com/eschnou/sunorooms/logger"
)

// cfg is loaded once before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sunorooms",
	Short: "SunoRooms lets a room listen to the same track together.",
	Long: `SunoRooms runs listening rooms: one DJ uploads MP3 tracks and controls
playback, every spectator hears the same thing at the same position.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logger.InitLogger(logger.Config{
			Level:      logger.LogLevel(cfg.LogLevel),
			OutputPath: cfg.LogFile,
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAge,
			Compress:   cfg.LogCompress,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
