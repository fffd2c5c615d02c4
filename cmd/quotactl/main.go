// Command quotactl drives a Quota engine from the command line: it loads
// plans from configuration, then decides, peeks and changes plans for
// subscribers. With Redis configured, counters are shared between
// invocations and with any other engine on the same Redis.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// timeNow is swapped in tests.
var timeNow = time.Now

var (
	configPath string
	envFile    string
	cfg        *Config
)

var rootCmd = &cobra.Command{
	Use:           "quotactl",
	Short:         "Check and meter plan entitlements",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
		} else {
			_ = godotenv.Load()
		}
		c, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./quotactl.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading config (default ./.env if present)")

	rootCmd.AddCommand(versionCmd, plansCmd, decideCmd, peekCmd, changePlanCmd, rebuildCmd, loadtestCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "quotactl %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
