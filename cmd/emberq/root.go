package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"emberq/internal/logging"
	"emberq/types/config"
)

var (
	flagConfig    string
	flagInstance  string
	flagSchedules string
	flagPretty    bool
)

var rootCmd = &cobra.Command{
	Use:           "emberq",
	Short:         "emberq runs background jobs from a broker-backed queue",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagInstance, "instance", "", "instance name (defaults to the hostname)")
	rootCmd.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "human-readable log output")

	rootCmd.AddCommand(workerCmd, schedulerCmd, healthcheckCmd)
}

// setup layers the configuration (defaults, file, environment) and builds
// the process logger.
func setup() (*config.Config, zerolog.Logger, error) {
	instance := flagInstance
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, zerolog.Nop(), fmt.Errorf("instance name: %w", err)
		}
		instance = host
	}

	cfg, err := config.Load(instance, flagConfig)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log := logging.New(cfg.Instance, cfg.LogLevel, flagPretty)
	return cfg, log, nil
}
