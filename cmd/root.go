package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/velocity-tts/velocity/config"
)

var (
	logLevel   string // Log verbosity level, overrides the config file
	configPath string // Path to the YAML config file
	cfg        config.Config
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "velocity",
	Short: "Streaming generation scheduler for TTS inference",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return setupLogging(cfg.Logging, logLevel)
	},
	SilenceUsage: true,
}

// setupLogging applies the level (the flag wins over the config) and formatter.
func setupLogging(lc config.LoggingConfig, flagLevel string) error {
	name := lc.Level
	if flagLevel != "" {
		name = flagLevel
	}
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if lc.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
}
