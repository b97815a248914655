package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memorygame/internal/config"
	"github.com/memorygame/pkg/logger"
)

var (
	// Global flags
	logLevel       string
	experimentFile string

	log *logger.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "memorygame",
	Short: "Visual memory game: experiment backend, headless participant and sequence tools",
	Long: `memorygame runs a continuous recognition memory experiment.

Participants watch a stream of images and press the response key whenever an
image repeats. The backend hands out sequence tracks, scores finished runs and
blocks workers who fail the vigilance checks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		log, err = logger.New(logLevel)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&experimentFile, "experiment", "e", envOr("EXPERIMENT_CONFIG", "experiment.yaml"), "experiment settings file")

	rootCmd.AddCommand(serveCmd, simulateCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadExperiment() (*config.Experiment, error) {
	exp, err := config.LoadExperiment(experimentFile)
	if err != nil {
		return nil, err
	}
	log.Debug("Experiment settings loaded",
		logger.F("file", experimentFile),
		logger.F("version", exp.Version))
	return exp, nil
}

// envOr gets an environment variable or returns a default value
func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
