package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/fruitlens/internal/config"
)

var version = "dev"

var (
	noColor    bool
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "fruitlens",
	Short: "Identify fruit in photos and collect labels for retraining",
	Long: `fruitlens classifies fruit photos with a trained model, adds a short
dictionary definition of the fruit, and records corrected labels as
training samples.

Run "fruitlens start" to serve the API, then use the other commands
against the running server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $XDG_CONFIG_HOME/fruitlens/config.yaml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(defineCmd)
	rootCmd.AddCommand(submissionsCmd)
	rootCmd.AddCommand(samplesCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig honours --config.
func loadConfig() (config.Config, error) {
	if configFile != "" {
		return config.LoadFrom(configFile)
	}
	return config.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func versionString() string {
	return fmt.Sprintf("fruitlens version %s", version)
}
