package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "photo-faces",
	Short: "Cluster the faces of a PhotoPrism library into people",
	Long: `Photo Faces connects to a PhotoPrism instance, extracts face embeddings
from its photos and groups them into clusters of the same person. Names
confirmed in PhotoPrism are spread to every face of their cluster; clusters
nobody has named yet get a generated contact.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		level := mustGetString(cmd, "log-level")
		if level == "" {
			level = cfg.LogLevel
		}
		if err := logging.Init(level, cfg.LogFile); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		if mustGetBool(cmd, "json") {
			logging.SetJSON()
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default from LOG_LEVEL)")
	rootCmd.PersistentFlags().Bool("json", false, "Print results and logs as JSON")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
